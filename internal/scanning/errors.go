package scanning

import (
	"errors"

	"github.com/cardscan/cardscan/internal/identify"
	"github.com/cardscan/cardscan/internal/storage"
)

// Error kinds used to map failures to responses
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindConflict   = "conflict"
	KindClosed     = "session_closed"
	KindUpstream   = "upstream"
	KindInternal   = "internal"
)

// ErrCommitInFlight is returned when the session already has a commit running
var ErrCommitInFlight = errors.New("commit already in flight for session")

// ErrorClassifier allows errors to declare their classification for status mapping
type ErrorClassifier interface {
	ErrorKind() string
}

// Error wraps a pipeline failure with its kind
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ErrorKind() string {
	return e.Kind
}

func classify(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	switch {
	case errors.Is(err, identify.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCommitInFlight):
		return KindConflict
	case errors.Is(err, storage.ErrSessionClosed):
		return KindClosed
	case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, storage.ErrRecordNotFound):
		return KindNotFound
	}
	return KindInternal
}
