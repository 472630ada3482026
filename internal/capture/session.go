package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/images"
	"github.com/cardscan/cardscan/internal/protocol"
)

const (
	minProbeInterval = 200 * time.Millisecond
	maxProbeInterval = 500 * time.Millisecond

	stillJPEGQuality = 92
)

// API is the server side of the probe/commit protocol.
// *protocol.Client implements it.
type API interface {
	Probe(ctx context.Context, sessionID *int64, frame []byte) (protocol.ProbeResponse, error)
	Commit(ctx context.Context, sessionID *int64, still []byte) (protocol.CommitResponse, error)
	FetchConfig(ctx context.Context) (protocol.ConfigResponse, error)
}

// Observer is told about everything the user should see. Calls come from
// the session goroutine.
type Observer interface {
	StateChanged(from, to State)
	Guidance(message string)
	Result(result protocol.CommitResponse)
	NotRecognized()
	Error(err error)
}

// NopObserver ignores every notification
type NopObserver struct{}

func (NopObserver) StateChanged(from, to State)    {}
func (NopObserver) Guidance(string)                {}
func (NopObserver) Result(protocol.CommitResponse) {}
func (NopObserver) NotRecognized()                 {}
func (NopObserver) Error(error)                    {}

// Options configure a Session. Zero thresholds are fetched from the
// server when the session starts.
type Options struct {
	SessionID    *int64
	Capture      config.CaptureConfig
	MinCommit    float64
	MinProbeWarn float64
	Observer     Observer
}

// Session owns one capture loop and all of its mutable state. Only Run's
// goroutine touches the snapshot; the control methods are safe to call
// from anywhere.
type Session struct {
	api      API
	camera   Camera
	opts     Options
	observer Observer
	interval time.Duration

	control chan Event
	done    chan struct{}

	mu       sync.Mutex
	epoch    uint64
	stopping int // Pause/Disable calls whose event the loop has not applied yet
	cancelIO context.CancelFunc
	current  Snapshot

	// owned by the Run goroutine
	snap      Snapshot
	params    Params
	stream    Stream
	lastFrame *Frame
	failures  int
}

func NewSession(api API, camera Camera, opts Options) *Session {
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	return &Session{
		api:      api,
		camera:   camera,
		opts:     opts,
		observer: observer,
		interval: clampInterval(opts.Capture.ProbeInterval),
		control:  make(chan Event, 8),
		done:     make(chan struct{}),
	}
}

func clampInterval(d time.Duration) time.Duration {
	return min(max(d, minProbeInterval), maxProbeInterval)
}

// Pause stops probing, abandons any request in flight and releases the
// camera
func (s *Session) Pause() {
	s.interrupt()
	s.send(Pause{})
}

// Disable is Pause for a capture feature being switched off
func (s *Session) Disable() {
	s.interrupt()
	s.send(Disable{})
}

// Resume reacquires the camera and starts searching again
func (s *Session) Resume() {
	s.send(Resume{})
}

// ForceCommit commits the current frame without waiting for stability
func (s *Session) ForceCommit() {
	s.send(ForceCommit{})
}

// send delivers ev to the loop. Events sent after Run returned are dropped.
func (s *Session) send(ev Event) {
	select {
	case s.control <- ev:
	case <-s.done:
	}
}

// Snapshot returns the state as of the last applied event
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// interrupt invalidates the request in flight. Its result is discarded
// when it arrives, and no new request starts until the loop has applied
// the stop event that follows.
func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.stopping++
	if s.cancelIO != nil {
		s.cancelIO()
	}
}

// stopped is called by the loop once it has applied a Pause or Disable
func (s *Session) stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping > 0 {
		s.stopping--
	}
}

// arm returns the epoch a new cycle runs under. ok is false while a stop
// is pending.
func (s *Session) arm() (epoch uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, s.stopping == 0
}

// begin derives a request context for a cycle armed at epoch. ok is false
// when the session was interrupted since, in which case nothing may be sent.
func (s *Session) begin(ctx context.Context, timeout time.Duration, epoch uint64) (context.Context, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.stopping > 0 {
		return nil, nil, false
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	s.cancelIO = cancel
	return reqCtx, func() {
		s.mu.Lock()
		s.cancelIO = nil
		s.mu.Unlock()
		cancel()
	}, true
}

func (s *Session) stale(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch
}

// Run drives the session until ctx is cancelled or an environment error
// occurs. It returns nil on cancellation and the camera error otherwise.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.releaseCamera()

	s.params = s.loadParams(ctx)
	if err := s.apply(ctx, Enable{}); err != nil {
		return err
	}

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Capture session stopped", "session_id", s.sessionAttr())
			return nil

		case ev := <-s.control:
			err := s.apply(ctx, ev)
			switch ev.(type) {
			case Pause, Disable:
				s.stopped()
			}
			if err != nil {
				return err
			}

		case <-timer.C:
			if err := s.tick(ctx); err != nil {
				return err
			}
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *Session) loadParams(ctx context.Context) Params {
	p := Params{
		MinCommit:      s.opts.MinCommit,
		MinProbeWarn:   s.opts.MinProbeWarn,
		Epsilon:        s.opts.Capture.StabilityEpsilon,
		AutoPauseOnHit: s.opts.Capture.AutoPauseOnHit,
	}
	if p.Epsilon <= 0 {
		p.Epsilon = config.Default().Capture.StabilityEpsilon
	}
	if p.MinCommit > 0 {
		return p
	}

	defaults := config.Default().Quality
	p.MinCommit, p.MinProbeWarn = defaults.MinCommit, defaults.MinProbeWarn

	reqCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
	defer cancel()
	cfg, err := s.api.FetchConfig(reqCtx)
	if err != nil {
		slog.Warn("Using default quality thresholds", "err", err)
		return p
	}
	p.MinCommit, p.MinProbeWarn = cfg.MinQualityCommit, cfg.MinQualityProbeWarn
	slog.Debug("Quality thresholds fetched", "min_commit", p.MinCommit, "min_probe_warn", p.MinProbeWarn)
	return p
}

// tick runs one probe cycle. Probes only run in states that consume them.
func (s *Session) tick(ctx context.Context) error {
	switch s.snap.State {
	case Searching, Detected, Stabilizing, Result:
	default:
		return nil
	}

	epoch, ok := s.arm()
	if !ok {
		return nil
	}

	frame, err := s.stream.Frame(ctx)
	if s.stale(epoch) || ctx.Err() != nil {
		slog.Debug("Discarding frame grabbed across a pause", "session_id", s.sessionAttr())
		return nil
	}
	if err != nil {
		if IsEnvironmentError(err) {
			return err
		}
		s.probeFailed(err)
		return nil
	}
	encoded, err := images.ProbeFrame(frame.Image)
	if err != nil {
		s.probeFailed(err)
		return nil
	}

	reqCtx, done, ok := s.begin(ctx, s.probeTimeout(), epoch)
	if !ok {
		return nil
	}
	resp, err := s.api.Probe(reqCtx, s.opts.SessionID, encoded)
	done()

	if s.stale(epoch) || ctx.Err() != nil {
		slog.Debug("Discarding stale probe result", "session_id", s.sessionAttr())
		return nil
	}
	if err != nil {
		s.probeFailed(err)
		return nil
	}

	if s.failures >= s.maxFailures() {
		slog.Info("Probing recovered", "session_id", s.sessionAttr(), "failures", s.failures)
	}
	s.failures = 0
	s.lastFrame = &frame
	return s.apply(ctx, Probed{Card: resp.IsCard(), Quality: resp.Quality, Overlay: resp.Overlay})
}

// probeFailed skips the frame. Persistent failure is surfaced once and
// slows probing down until a probe succeeds.
func (s *Session) probeFailed(err error) {
	s.failures++
	slog.Debug("Probe failed", "session_id", s.sessionAttr(), "failures", s.failures, "err", err)
	if s.failures == s.maxFailures() {
		slog.Warn("Probe keeps failing", "session_id", s.sessionAttr(), "failures", s.failures, "err", err)
		s.observer.Error(fmt.Errorf("probe failed %d times in a row: %w", s.failures, err))
	}
}

func (s *Session) nextDelay() time.Duration {
	over := s.failures - s.maxFailures()
	if over < 0 {
		return s.interval
	}
	limit := s.opts.Capture.MaxBackoff
	if limit <= 0 {
		limit = config.Default().Capture.MaxBackoff
	}
	delay := s.interval
	for i := 0; i <= over && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}

// apply runs ev through the state machine and performs the effects
func (s *Session) apply(ctx context.Context, ev Event) error {
	from := s.snap.State
	next, effects := Transition(s.snap, ev, s.params)
	s.setSnapshot(next)
	if next.State != from {
		slog.Debug("Capture state changed", "session_id", s.sessionAttr(), "from", from, "to", next.State)
		s.observer.StateChanged(from, next.State)
	}

	for _, effect := range effects {
		switch e := effect.(type) {
		case Guidance:
			s.observer.Guidance(e.Message)
		case Commit:
			if err := s.commit(ctx, e.Manual); err != nil {
				return err
			}
		case Deliver:
			s.observer.Result(e.Result)
		case NotRecognized:
			s.observer.NotRecognized()
		case CommitError:
			s.observer.Error(e.Err)
		case AcquireCamera:
			if err := s.acquireCamera(ctx); err != nil {
				return err
			}
		case ReleaseCamera:
			s.releaseCamera()
		}
	}
	return nil
}

func (s *Session) setSnapshot(snap Snapshot) {
	s.snap = snap
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
}

// commit sends one still and feeds the outcome back into the state machine
func (s *Session) commit(ctx context.Context, manual bool) error {
	epoch, ok := s.arm()
	if !ok {
		return nil
	}

	still, err := s.still(ctx)
	if s.stale(epoch) || ctx.Err() != nil {
		slog.Debug("Discarding still captured across a pause", "session_id", s.sessionAttr())
		return nil
	}
	if err != nil {
		if IsEnvironmentError(err) {
			return err
		}
		return s.apply(ctx, CommitFailed{Err: fmt.Errorf("failed to capture still: %w", err)})
	}

	reqCtx, done, ok := s.begin(ctx, s.commitTimeout(), epoch)
	if !ok {
		return nil
	}
	slog.Info("Committing still", "session_id", s.sessionAttr(), "manual", manual, "bytes", len(still))
	resp, err := s.api.Commit(reqCtx, s.opts.SessionID, still)
	done()

	if s.stale(epoch) || ctx.Err() != nil {
		slog.Debug("Discarding stale commit result", "session_id", s.sessionAttr())
		return nil
	}

	switch {
	case err == nil:
		slog.Info("Card identified",
			"session_id", s.sessionAttr(),
			"scan_id", resp.ScanID,
			"candidate", resp.Candidate.ID,
			"duplicate_of", resp.DuplicateOf,
		)
		return s.apply(ctx, CommitSucceeded{Result: resp})
	case errors.Is(err, protocol.ErrNotFound):
		return s.apply(ctx, CommitMissed{})
	default:
		slog.Warn("Commit failed", "session_id", s.sessionAttr(), "err", err)
		return s.apply(ctx, CommitFailed{Err: err})
	}
}

// still prefers a dedicated still capture and falls back to the last
// probed frame
func (s *Session) still(ctx context.Context) ([]byte, error) {
	if s.stream == nil {
		return nil, errors.New("camera not acquired")
	}

	var frame Frame
	if sc, ok := s.stream.(StillCapturer); ok {
		f, err := sc.Still(ctx)
		if err == nil {
			frame = f
		} else if IsEnvironmentError(err) {
			return nil, err
		} else {
			slog.Debug("Still capture failed, using last frame", "err", err)
		}
	}
	if frame.Image == nil && frame.Encoded == nil {
		if s.lastFrame != nil {
			frame = *s.lastFrame
		} else {
			f, err := s.stream.Frame(ctx)
			if err != nil {
				return nil, err
			}
			frame = f
		}
	}

	if len(frame.Encoded) > 0 {
		return frame.Encoded, nil
	}
	return images.EncodeJPEG(frame.Image, stillJPEGQuality)
}

func (s *Session) acquireCamera(ctx context.Context) error {
	if s.stream != nil {
		return nil
	}
	stream, err := s.camera.Open(ctx)
	if err != nil {
		slog.Error("Camera unavailable", "session_id", s.sessionAttr(), "err", err)
		s.observer.Error(err)
		return err
	}
	s.stream = stream
	return nil
}

func (s *Session) releaseCamera() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		slog.Warn("Failed to release camera", "session_id", s.sessionAttr(), "err", err)
	}
	s.stream = nil
	s.lastFrame = nil
}

func (s *Session) probeTimeout() time.Duration {
	if s.opts.Capture.ProbeTimeout > 0 {
		return s.opts.Capture.ProbeTimeout
	}
	return config.Default().Capture.ProbeTimeout
}

func (s *Session) commitTimeout() time.Duration {
	if s.opts.Capture.CommitTimeout > 0 {
		return s.opts.Capture.CommitTimeout
	}
	return config.Default().Capture.CommitTimeout
}

func (s *Session) maxFailures() int {
	if s.opts.Capture.MaxProbeFailures > 0 {
		return s.opts.Capture.MaxProbeFailures
	}
	return config.Default().Capture.MaxProbeFailures
}

func (s *Session) sessionAttr() any {
	if s.opts.SessionID == nil {
		return nil
	}
	return *s.opts.SessionID
}
