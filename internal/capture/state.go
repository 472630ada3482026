// Package capture drives the client side of a scan: a per-session loop
// that probes camera frames, waits for a card to hold still and commits
// exactly one still for identification.
package capture

import (
	"math"

	"github.com/cardscan/cardscan/internal/models"
	"github.com/cardscan/cardscan/internal/protocol"
)

type State int

const (
	Idle State = iota
	Searching
	Detected
	Stabilizing
	Analyzing
	Result
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Searching:
		return "SEARCHING"
	case Detected:
		return "DETECTED"
	case Stabilizing:
		return "STABILIZING"
	case Analyzing:
		return "ANALYZING"
	case Result:
		return "RESULT"
	case Paused:
		return "PAUSED"
	}
	return "UNKNOWN"
}

// StableSamples is the number of overlay boxes the stability test needs
const StableSamples = 4

// Guidance messages
const (
	GuidanceTooDark    = "too dark"
	GuidanceHoldSteady = "hold steady / move closer"
)

// Params are the thresholds the transition function works against
type Params struct {
	MinCommit      float64
	MinProbeWarn   float64
	Epsilon        float64
	AutoPauseOnHit bool
}

// Snapshot is the state machine's complete state. History never holds
// more than StableSamples boxes.
type Snapshot struct {
	State   State
	History []models.OverlayBox
	Result  *protocol.CommitResponse
}

// Event is an input to Transition
type Event interface {
	event()
}

type (
	Enable  struct{}
	Resume  struct{}
	Pause   struct{}
	Disable struct{}

	// Probed is a successful probe answer
	Probed struct {
		Card    bool
		Quality float64
		Overlay *models.OverlayBox
	}

	ProbeFailed struct {
		Err error
	}

	// ForceCommit skips the stability wait and commits the current frame
	ForceCommit struct{}

	CommitSucceeded struct {
		Result protocol.CommitResponse
	}

	// CommitMissed means the server answered but recognized nothing
	CommitMissed struct{}

	CommitFailed struct {
		Err error
	}
)

func (Enable) event()          {}
func (Resume) event()          {}
func (Pause) event()           {}
func (Disable) event()         {}
func (Probed) event()          {}
func (ProbeFailed) event()     {}
func (ForceCommit) event()     {}
func (CommitSucceeded) event() {}
func (CommitMissed) event()    {}
func (CommitFailed) event()    {}

// Effect is an action the session loop performs after a transition
type Effect interface {
	effect()
}

type (
	Guidance struct {
		Message string
	}

	Commit struct {
		Manual bool
	}

	Deliver struct {
		Result protocol.CommitResponse
	}

	NotRecognized struct{}

	CommitError struct {
		Err error
	}

	AcquireCamera struct{}
	ReleaseCamera struct{}
)

func (Guidance) effect()      {}
func (Commit) effect()        {}
func (Deliver) effect()       {}
func (NotRecognized) effect() {}
func (CommitError) effect()   {}
func (AcquireCamera) effect() {}
func (ReleaseCamera) effect() {}

// Transition applies ev to snap. It has no side effects; everything the
// caller must do is returned as effects, in order.
func Transition(snap Snapshot, ev Event, p Params) (Snapshot, []Effect) {
	switch e := ev.(type) {
	case Enable, Resume:
		if snap.State == Idle || snap.State == Paused {
			return Snapshot{State: Searching}, []Effect{AcquireCamera{}}
		}

	case Pause, Disable:
		if snap.State != Idle && snap.State != Paused {
			return Snapshot{State: Paused}, []Effect{ReleaseCamera{}}
		}

	case Probed:
		return probed(snap, e, p)

	case ForceCommit:
		switch snap.State {
		case Searching, Detected, Stabilizing, Result:
			return Snapshot{State: Analyzing}, []Effect{Commit{Manual: true}}
		}

	case CommitSucceeded:
		if snap.State != Analyzing {
			break
		}
		result := e.Result
		effects := []Effect{Deliver{Result: result}}
		if p.AutoPauseOnHit {
			return Snapshot{State: Paused, Result: &result}, append(effects, ReleaseCamera{})
		}
		return Snapshot{State: Result, Result: &result}, effects

	case CommitMissed:
		if snap.State == Analyzing {
			return Snapshot{State: Searching}, []Effect{NotRecognized{}}
		}

	case CommitFailed:
		if snap.State == Analyzing {
			return Snapshot{State: Searching}, []Effect{CommitError{Err: e.Err}}
		}
	}

	// ProbeFailed and events that do not apply leave the state untouched
	return snap, nil
}

func probed(snap Snapshot, e Probed, p Params) (Snapshot, []Effect) {
	switch snap.State {
	case Searching, Detected, Stabilizing, Result:
	default:
		return snap, nil
	}

	if !e.Card {
		return Snapshot{State: Searching}, nil
	}
	if e.Quality < p.MinCommit {
		msg := GuidanceHoldSteady
		if e.Quality < p.MinProbeWarn {
			msg = GuidanceTooDark
		}
		return Snapshot{State: Searching}, []Effect{Guidance{Message: msg}}
	}

	switch snap.State {
	case Result:
		// the delivered card is still in view
		return snap, nil
	case Searching:
		return Snapshot{State: Detected, History: record(nil, e.Overlay)}, nil
	}

	history := record(snap.History, e.Overlay)
	if len(history) < 2 {
		return Snapshot{State: Detected, History: history}, nil
	}
	if Stable(history, p.Epsilon) {
		return Snapshot{State: Analyzing}, []Effect{Commit{}}
	}
	return Snapshot{State: Stabilizing, History: history}, nil
}

// record appends box and keeps the newest StableSamples entries. The
// input slice is never modified.
func record(history []models.OverlayBox, box *models.OverlayBox) []models.OverlayBox {
	out := make([]models.OverlayBox, 0, StableSamples)
	out = append(out, history...)
	if box != nil {
		out = append(out, *box)
	}
	if len(out) > StableSamples {
		out = out[len(out)-StableSamples:]
	}
	return out
}

// Stable reports whether the last StableSamples boxes each differ from the
// first of them by less than epsilon in every coordinate. Fewer samples
// are never stable.
func Stable(history []models.OverlayBox, epsilon float64) bool {
	if len(history) < StableSamples {
		return false
	}
	window := history[len(history)-StableSamples:]
	first := window[0]
	for _, b := range window[1:] {
		if math.Abs(b.X-first.X) >= epsilon ||
			math.Abs(b.Y-first.Y) >= epsilon ||
			math.Abs(b.W-first.W) >= epsilon ||
			math.Abs(b.H-first.H) >= epsilon {
			return false
		}
	}
	return true
}
