package scanning

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/cardscan/cardscan/internal/catalog"
	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/fingerprint"
	"github.com/cardscan/cardscan/internal/identify"
	"github.com/cardscan/cardscan/internal/images"
	"github.com/cardscan/cardscan/internal/metrics"
	"github.com/cardscan/cardscan/internal/models"
	"github.com/cardscan/cardscan/internal/pricing"
	"github.com/cardscan/cardscan/internal/protocol"
	"github.com/cardscan/cardscan/internal/quality"
	"github.com/cardscan/cardscan/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	attrs   models.Attributes
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte, mimeType string) (models.Attributes, error) {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	return f.attrs, f.err
}

type fakePrices struct {
	quotes []models.PriceQuote
	err    error
}

func (f *fakePrices) Quotes(ctx context.Context, candidate models.Candidate) ([]models.PriceQuote, error) {
	return f.quotes, f.err
}

var charizard = models.Attributes{Name: "Charizard ex", Number: "125/197", Set: "Obsidian Flames"}

type fixture struct {
	service   *Service
	store     *storage.DB
	extractor *fakeExtractor
	prices    *fakePrices
	metrics   *metrics.ScanMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()

	store, err := storage.Open(filepath.Join(dir, "cardscan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := metrics.NewScanMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	local := catalog.New([]catalog.Card{
		{ID: "sv3-125", Name: "Charizard ex", Set: "Obsidian Flames", SetCode: "OBF", Number: "125"},
	})
	extractor := &fakeExtractor{attrs: charizard}
	prices := &fakePrices{quotes: []models.PriceQuote{
		{Source: "cardmarket", Kind: models.QuoteBase, Label: "normal", Currency: "EUR", Amount: 10},
	}}

	service := NewService(Deps{
		Store:      store,
		Matcher:    fingerprint.NewMatcher(fingerprint.NewIndex(nil), cfg.Fingerprint.DuplicateThreshold, cfg.Fingerprint.TileThreshold),
		Extractor:  extractor,
		Resolver:   identify.New(local, nil, cfg.Identify),
		Prices:     prices,
		Aggregator: pricing.New(cfg.Pricing),
		Metrics:    m,
		ImagesDir:  filepath.Join(dir, "scans"),
		Thresholds: Thresholds{MinCommit: cfg.Quality.MinCommit, MinProbeWarn: cfg.Quality.MinProbeWarn},
	})
	return &fixture{service: service, store: store, extractor: extractor, prices: prices, metrics: m}
}

func cardPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 30, G: 30, B: 35, A: 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(220, 100, 409, 364), &image.Uniform{C: color.RGBA{R: 230, G: 210, B: 90, A: 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(250, 130, 380, 220), &image.Uniform{C: color.RGBA{R: 200, G: 60, B: 40, A: 255}}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProbeDetectsCard(t *testing.T) {
	f := newFixture(t)

	resp, err := f.service.Probe(cardPNG(t))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCard, resp.Status)
	require.NotNil(t, resp.Overlay)
	assert.Greater(t, resp.Quality, 0.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProbeTotal.WithLabelValues(protocol.StatusCard)))

	records, err := f.store.ListRecords(context.Background(), storage.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records, "probe must not write")
}

func TestShapeThatIsNotACardIsUnstableGeometry(t *testing.T) {
	f := newFixture(t)

	// a well lit frame with a dark square in view
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 170, G: 170, B: 170, A: 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(170, 90, 470, 390), &image.Uniform{C: color.RGBA{R: 40, G: 40, B: 40, A: 255}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	resp, err := f.service.Probe(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusNoCard, resp.Status)
	assert.Nil(t, resp.Overlay)
	assert.Equal(t, quality.CauseUnstableGeometry, resp.Cause)
	assert.GreaterOrEqual(t, resp.Quality, 0.55)
}

func TestEmptyFrameIsNotUnstable(t *testing.T) {
	f := newFixture(t)

	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 170, G: 170, B: 170, A: 255}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	resp, err := f.service.Probe(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusNoCard, resp.Status)
	assert.Equal(t, quality.CauseOK, resp.Cause)
}

func TestOversizedImagesAreRejected(t *testing.T) {
	f := newFixture(t)
	f.service.maxPixels = 1000

	_, err := f.service.Probe(cardPNG(t))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, images.ErrTooLarge)

	_, err = f.service.Commit(context.Background(), nil, cardPNG(t))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, images.ErrTooLarge)

	records, err := f.store.ListRecords(context.Background(), storage.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProbeRejectsGarbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Probe([]byte("not an image"))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCommitFlagsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	still := cardPNG(t)

	first, err := f.service.Commit(ctx, nil, still)
	require.NoError(t, err)
	assert.Nil(t, first.DuplicateOf)
	assert.Equal(t, "sv3-125", first.Candidate.ID)
	assert.Equal(t, 11.5, first.Pricing.PriceFinal)
	assert.Equal(t, "EUR", first.Pricing.Currency)

	second, err := f.service.Commit(ctx, nil, still)
	require.NoError(t, err)
	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, first.ID, *second.DuplicateOf)
	require.NotNil(t, second.DuplicateDistance)
	assert.Equal(t, 0, *second.DuplicateDistance)
	assert.NotEqual(t, first.ID, second.ID)

	stored, err := f.store.GetRecord(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, *stored.DuplicateOf)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitTotal.WithLabelValues(metrics.OutcomeRecorded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitTotal.WithLabelValues(metrics.OutcomeDuplicate)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.IndexSize))
}

func TestCommitUnrecognizedWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.extractor.attrs = models.Attributes{Name: "Totally Unknown Monster"}

	_, err := f.service.Commit(context.Background(), nil, cardPNG(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, identify.ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))

	records, err := f.store.ListRecords(context.Background(), storage.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCommitExtractorFailureIsUpstream(t *testing.T) {
	f := newFixture(t)
	f.extractor.err = errors.New("model unavailable")

	_, err := f.service.Commit(context.Background(), nil, cardPNG(t))
	assert.Equal(t, KindUpstream, KindOf(err))
}

func TestCommitPriceFailureStillRecords(t *testing.T) {
	f := newFixture(t)
	f.prices.err = errors.New("price API down")

	rec, err := f.service.Commit(context.Background(), nil, cardPNG(t))
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Pricing.PriceFinal)
	assert.Equal(t, "EUR", rec.Pricing.Currency)
}

func TestCommitSessionRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.store.CreateSession(ctx, "binder")
	require.NoError(t, err)

	rec, err := f.service.Commit(ctx, &session.ID, cardPNG(t))
	require.NoError(t, err)
	require.NotNil(t, rec.SessionID)
	assert.Equal(t, session.ID, *rec.SessionID)

	_, err = f.store.CloseSession(ctx, session.ID)
	require.NoError(t, err)

	_, err = f.service.Commit(ctx, &session.ID, cardPNG(t))
	assert.Equal(t, KindClosed, KindOf(err))

	missing := int64(9999)
	_, err = f.service.Commit(ctx, &missing, cardPNG(t))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCommitRejectsConcurrentCommitForSameSession(t *testing.T) {
	f := newFixture(t)
	f.extractor.started = make(chan struct{})
	f.extractor.release = make(chan struct{})
	still := cardPNG(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.Commit(context.Background(), nil, still)
		done <- err
	}()

	select {
	case <-f.extractor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first commit never reached the extractor")
	}

	_, err := f.service.Commit(context.Background(), nil, still)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitInFlight)
	assert.Equal(t, KindConflict, KindOf(err))

	close(f.extractor.release)
	require.NoError(t, <-done)
}

func TestConcurrentSessionsRecordOneOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.started = make(chan struct{})
	f.extractor.release = make(chan struct{})
	still := cardPNG(t)

	var ids []int64
	for _, label := range []string{"left", "right"} {
		session, err := f.store.CreateSession(ctx, label)
		require.NoError(t, err)
		ids = append(ids, session.ID)
	}

	results := make(chan *models.ScanRecord, len(ids))
	errs := make(chan error, len(ids))
	for _, id := range ids {
		go func() {
			rec, err := f.service.Commit(ctx, &id, still)
			errs <- err
			results <- rec
		}()
	}
	// both commits are past fingerprinting before either may record
	for range ids {
		select {
		case <-f.extractor.started:
		case <-time.After(5 * time.Second):
			t.Fatal("commit never reached the extractor")
		}
	}
	close(f.extractor.release)

	originals := 0
	for range ids {
		require.NoError(t, <-errs)
		if rec := <-results; rec.DuplicateOf == nil {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
}

func TestLoadIndexRestoresFingerprints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	still := cardPNG(t)

	first, err := f.service.Commit(ctx, nil, still)
	require.NoError(t, err)

	index, err := LoadIndex(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 1, index.Len())

	matcher := fingerprint.NewMatcher(index, 6, 10)
	result, err := matcher.Match(still)
	require.NoError(t, err)
	require.NotNil(t, result.Nearest)
	assert.Equal(t, first.ID, result.Nearest.RecordID)
}
