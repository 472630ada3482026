package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cardscan/cardscan/internal/images"
	"github.com/gofrs/flock"
)

// Environment errors. They end a capture session; nothing retries them.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrInsecureContext  = errors.New("camera requires a secure context")
	ErrNoCamera         = errors.New("no camera available")
	ErrCameraBusy       = errors.New("camera is held by another session")
)

// IsEnvironmentError reports whether err is terminal for a capture session
func IsEnvironmentError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInsecureContext) ||
		errors.Is(err, ErrNoCamera) ||
		errors.Is(err, ErrCameraBusy)
}

// Frame is one captured image. Encoded holds the original bytes when the
// source produced any.
type Frame struct {
	Image       image.Image
	Encoded     []byte
	ContentType string
	CapturedAt  time.Time
}

// Camera hands out exclusive streams
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

type Stream interface {
	Frame(ctx context.Context) (Frame, error)
	Close() error
}

// StillCapturer is implemented by streams able to take a sharper still
// than their live frames
type StillCapturer interface {
	Still(ctx context.Context) (Frame, error)
}

// LockedCamera guards a camera with an exclusive file lock so no two
// sessions, in this process or another, hold it at once
type LockedCamera struct {
	camera Camera
	lock   *flock.Flock
}

// NewLockedCamera locks on a file named after device inside dir
func NewLockedCamera(cam Camera, dir, device string) *LockedCamera {
	name := "cardscan-camera-" + sanitize(device) + ".lock"
	return &LockedCamera{
		camera: cam,
		lock:   flock.New(filepath.Join(dir, name)),
	}
}

func (c *LockedCamera) Open(ctx context.Context) (Stream, error) {
	locked, err := c.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock camera: %w", err)
	}
	if !locked {
		return nil, ErrCameraBusy
	}

	stream, err := c.camera.Open(ctx)
	if err != nil {
		_ = c.lock.Unlock()
		return nil, err
	}
	return &lockedStream{Stream: stream, lock: c.lock}, nil
}

type lockedStream struct {
	Stream
	lock *flock.Flock
	once sync.Once
}

func (s *lockedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("failed to unlock camera: %w", uerr)
		}
	})
	return err
}

// Still forwards to the wrapped stream when it can take stills
func (s *lockedStream) Still(ctx context.Context) (Frame, error) {
	if sc, ok := s.Stream.(StillCapturer); ok {
		return sc.Still(ctx)
	}
	return s.Stream.Frame(ctx)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// DirCamera replays the image files of a directory in name order, each
// file held for Repeat frames, and cycles when it reaches the end
type DirCamera struct {
	Dir    string
	Repeat int
}

var frameExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

func (c *DirCamera) Open(ctx context.Context) (Stream, error) {
	entries, err := os.ReadDir(c.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNoCamera, c.Dir)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, c.Dir)
	case err != nil:
		return nil, fmt.Errorf("failed to read frames directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(c.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", ErrNoCamera, c.Dir)
	}
	sort.Strings(files)

	repeat := c.Repeat
	if repeat <= 0 {
		repeat = 1
	}
	return &dirStream{files: files, repeat: repeat}, nil
}

type dirStream struct {
	mu      sync.Mutex
	files   []string
	repeat  int
	pos     int
	current *Frame
	closed  bool
}

func (s *dirStream) Frame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrNoCamera
	}

	file := s.files[(s.pos/s.repeat)%len(s.files)]
	s.pos++
	data, err := os.ReadFile(file)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	img, format, err := images.Decode(data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame %s: %w", filepath.Base(file), err)
	}

	frame := Frame{
		Image:       img,
		Encoded:     data,
		ContentType: "image/" + format,
		CapturedAt:  time.Now(),
	}
	s.current = &frame
	return frame, nil
}

// Still returns the current file at full resolution
func (s *dirStream) Still(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current != nil {
		return *current, nil
	}
	return s.Frame(ctx)
}

func (s *dirStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// StaticCamera serves a fixed list of frames, cycling through them
type StaticCamera struct {
	Frames []Frame

	mu     sync.Mutex
	opened int
	closed int
}

func (c *StaticCamera) Open(ctx context.Context) (Stream, error) {
	if len(c.Frames) == 0 {
		return nil, ErrNoCamera
	}
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
	return &staticStream{camera: c}, nil
}

// Counts returns how many streams were opened and closed
func (c *StaticCamera) Counts() (opened, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed
}

type staticStream struct {
	camera *StaticCamera
	pos    int
	once   sync.Once
}

func (s *staticStream) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	frame := s.camera.Frames[s.pos%len(s.camera.Frames)]
	s.pos++
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}
	return frame, nil
}

func (s *staticStream) Close() error {
	s.once.Do(func() {
		s.camera.mu.Lock()
		s.camera.closed++
		s.camera.mu.Unlock()
	})
	return nil
}
