// Package scanning runs the server side of the probe/commit protocol:
// cheap frame evaluation for probes, and duplicate matching,
// identification, pricing and persistence for commits.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cardscan/cardscan/internal/detect"
	"github.com/cardscan/cardscan/internal/fingerprint"
	"github.com/cardscan/cardscan/internal/identify"
	"github.com/cardscan/cardscan/internal/images"
	"github.com/cardscan/cardscan/internal/metrics"
	"github.com/cardscan/cardscan/internal/models"
	"github.com/cardscan/cardscan/internal/pricing"
	"github.com/cardscan/cardscan/internal/protocol"
	"github.com/cardscan/cardscan/internal/quality"
	"github.com/cardscan/cardscan/internal/storage"
	"github.com/cardscan/cardscan/internal/vision"
)

// Thresholds are the quality limits handed to capture clients
type Thresholds struct {
	MinCommit    float64
	MinProbeWarn float64
}

// Deps are the collaborators of a Service. Prices and Metrics may be nil.
type Deps struct {
	Store      *storage.DB
	Matcher    *fingerprint.Matcher
	Extractor  vision.Extractor
	Resolver   *identify.Resolver
	Prices     pricing.Source
	Aggregator *pricing.Aggregator
	Metrics    *metrics.ScanMetrics
	ImagesDir  string
	Thresholds Thresholds
	// MaxPixels bounds decoded image dimensions; zero uses images.DefaultMaxPixels
	MaxPixels  int
}

type Service struct {
	store      *storage.DB
	matcher    *fingerprint.Matcher
	extractor  vision.Extractor
	resolver   *identify.Resolver
	prices     pricing.Source
	aggregator *pricing.Aggregator
	metrics    *metrics.ScanMetrics
	imagesDir  string
	thresholds Thresholds
	maxPixels  int

	guard     *storage.CommitGuard
	assessors sync.Pool
}

func NewService(deps Deps) *Service {
	return &Service{
		store:      deps.Store,
		matcher:    deps.Matcher,
		extractor:  deps.Extractor,
		resolver:   deps.Resolver,
		prices:     deps.Prices,
		aggregator: deps.Aggregator,
		metrics:    deps.Metrics,
		imagesDir:  deps.ImagesDir,
		thresholds: deps.Thresholds,
		maxPixels:  deps.MaxPixels,
		guard:      storage.NewCommitGuard(),
		assessors: sync.Pool{
			New: func() any { return quality.NewAssessor() },
		},
	}
}

// LoadIndex rebuilds the fingerprint index from every stored record
func LoadIndex(ctx context.Context, store *storage.DB) (*fingerprint.Index, error) {
	rows, err := store.Fingerprints(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]fingerprint.Entry, 0, len(rows))
	for _, row := range rows {
		fp, err := fingerprint.Parse(row.Hash, row.Tiles)
		if err != nil {
			slog.Warn("Skipping unreadable fingerprint", "record_id", row.ID, "err", err)
			continue
		}
		entries = append(entries, fingerprint.Entry{RecordID: row.ID, Fingerprint: fp})
	}

	slog.Info("Fingerprint index loaded", "entries", len(entries))
	return fingerprint.NewIndex(entries), nil
}

// Thresholds returns the configured quality thresholds
func (s *Service) Thresholds() Thresholds {
	return s.thresholds
}

// Store exposes the record store to read-only handlers
func (s *Service) Store() *storage.DB {
	return s.store
}

// Probe scores a frame and looks for a card in it. It never writes.
func (s *Service) Probe(data []byte) (protocol.ProbeResponse, error) {
	img, _, err := images.DecodeLimited(data, s.maxPixels)
	if err != nil {
		return protocol.ProbeResponse{}, classify(KindValidation, err)
	}

	assessor := s.assessors.Get().(*quality.Assessor)
	score := assessor.Assess(img)
	s.assessors.Put(assessor)

	resp := protocol.ProbeResponse{
		Status:  protocol.StatusNoCard,
		Quality: score.Score,
		Cause:   score.Cause,
	}

	det := detect.Detect(img)
	switch {
	case det.Card:
		overlay := det.Overlay
		resp.Status = protocol.StatusCard
		resp.Overlay = &overlay
	case det.Coverage > 0 && score.Cause == quality.CauseOK:
		// something is in view but it is not card shaped yet
		resp.Cause = quality.CauseUnstableGeometry
	}

	s.metrics.RecordProbe(resp.Status)
	return resp, nil
}

// Commit identifies a full resolution still and stores exactly one record
// for it. Duplicate matching runs before the record is written and is
// serialized with the insert across sessions; a duplicate still produces a
// record, flagged with the match.
func (s *Service) Commit(ctx context.Context, sessionID *int64, data []byte) (rec *models.ScanRecord, err error) {
	started := time.Now()
	defer s.metrics.CommitStarted()()
	defer func() {
		s.metrics.RecordCommit(commitOutcome(rec, err), started)
	}()

	release, ok := s.guard.Begin(guardKey(sessionID))
	if !ok {
		return nil, classify(KindConflict, ErrCommitInFlight)
	}
	defer release()

	if sessionID != nil {
		session, err := s.store.GetSession(ctx, *sessionID)
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, classify(KindValidation, err)
		}
		if err != nil {
			return nil, err
		}
		if session.Status == models.SessionClosed {
			return nil, classify(KindClosed, fmt.Errorf("%w: %d", storage.ErrSessionClosed, session.ID))
		}
	}

	img, format, err := images.DecodeLimited(data, s.maxPixels)
	if err != nil {
		return nil, classify(KindValidation, err)
	}

	fp := fingerprint.FromImage(img)

	attrs, err := s.extractor.Extract(ctx, data, "image/"+format)
	if err != nil {
		return nil, classify(KindUpstream, err)
	}

	candidates, err := s.resolver.Resolve(ctx, identify.QueryFromAttributes(attrs))
	if errors.Is(err, identify.ErrNotFound) {
		slog.Info("Card not recognized", "session_id", sessionIDAttr(sessionID), "name", attrs.Name, "number", attrs.Number)
		return nil, classify(KindNotFound, err)
	}
	if err != nil {
		return nil, classify(KindUpstream, err)
	}
	chosen := candidates[0]

	var quotes []models.PriceQuote
	if s.prices != nil {
		quotes, err = s.prices.Quotes(ctx, chosen)
		if err != nil {
			slog.Warn("Price lookup failed", "candidate", chosen.ID, "err", err)
		}
	}

	imageName, err := images.SaveStill(s.imagesDir, data, format)
	if err != nil {
		return nil, err
	}

	rec = &models.ScanRecord{
		SessionID:       sessionID,
		Fingerprint:     fp.String(),
		TileFingerprint: fp.TileString(),
		ImagePath:       imageName,
		Candidate:       chosen,
		Candidates:      candidates,
		Attributes:      attrs,
		Pricing:         s.aggregator.Summarize(chosen, quotes),
	}

	// The duplicate lookup and the insert run under the matcher's lock
	match, err := s.matcher.Record(fp, func(res fingerprint.Result) (int64, error) {
		if res.Nearest != nil {
			id, distance := res.Nearest.RecordID, res.Nearest.Distance
			rec.DuplicateOf = &id
			rec.DuplicateDistance = &distance
		}
		return s.store.InsertRecord(ctx, rec)
	})
	if errors.Is(err, storage.ErrSessionClosed) {
		return nil, classify(KindClosed, err)
	}
	if err != nil {
		return nil, err
	}
	if match.Nearest != nil {
		s.metrics.RecordDuplicate(match.Nearest.Distance)
	}
	s.metrics.SetIndexSize(s.matcher.Len())

	slog.Info("Scan recorded",
		"scan_id", rec.ID,
		"session_id", sessionIDAttr(sessionID),
		"candidate", chosen.ID,
		"score", chosen.Score,
		"price", rec.Pricing.PriceFinal,
		"duplicate_of", rec.DuplicateOf,
	)
	return rec, nil
}

func commitOutcome(rec *models.ScanRecord, err error) string {
	switch {
	case err == nil && rec != nil && rec.DuplicateOf != nil:
		return metrics.OutcomeDuplicate
	case err == nil:
		return metrics.OutcomeRecorded
	case KindOf(err) == KindNotFound:
		return metrics.OutcomeNotFound
	case KindOf(err) == KindConflict:
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}

func guardKey(sessionID *int64) string {
	if sessionID == nil {
		return "-"
	}
	return strconv.FormatInt(*sessionID, 10)
}

func sessionIDAttr(sessionID *int64) any {
	if sessionID == nil {
		return nil
	}
	return *sessionID
}
