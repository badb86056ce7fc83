package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/localstore"
	"github.com/lumenlms/lumen/internal/progress"
)

const (
	DefaultSampleInterval    = 2 * time.Second
	DefaultEmitThrottle      = 2 * time.Second
	DefaultSaveInterval      = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	ErrNoVideo    = errors.New("video id is required")
	ErrNoSession  = errors.New("no video is open")
	ErrNoProgress = errors.New("progress store is required")
)

// ProgressStore persists and reads video progress. *progress.Client
// satisfies it.
type ProgressStore interface {
	SaveProgress(ctx context.Context, videoID string, in progress.SaveInput) (*progress.Record, error)
	GetProgress(ctx context.Context, videoID string) *progress.Record
}

// SessionToucher keeps a playback session alive on the server. *api.Client
// satisfies it.
type SessionToucher interface {
	TouchSession(ctx context.Context, sessionID string) error
}

type Config struct {
	Progress ProgressStore
	Sessions SessionToucher
	Store    localstore.Store
	Clock    clockwork.Clock
	Page     PageEvents

	NewMediaElement func() MediaElement
	NewEmbedded     EmbeddedFactory
	StreamBaseURL   string
	// SessionID overrides the playback session id kept in Store.
	SessionID string

	SampleInterval    time.Duration
	SaveInterval      time.Duration
	HeartbeatInterval time.Duration
	EmitThrottle      time.Duration

	OnProgress  func(progress.Record)
	OnError     func(message string)
	OnCompleted func(Video)

	Logger *slog.Logger
}

// Tracker owns at most one Session at a time. Opening a video disposes the
// previous session before the new backend is created.
type Tracker struct {
	cfg      Config
	openMu   sync.Mutex
	mu       sync.Mutex
	session  *Session
	inflight sync.WaitGroup
}

func New(cfg Config) (*Tracker, error) {
	if cfg.Progress == nil {
		return nil, ErrNoProgress
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.EmitThrottle <= 0 {
		cfg.EmitThrottle = DefaultEmitThrottle
	}
	return &Tracker{cfg: cfg}, nil
}

// Open tears down the current session and starts one for v. The stored
// progress is read before the backend loads, so a Play after Open starts at
// the resumed position. A backend that fails to initialize is reported
// through OnError and leaves the tracker without a session; Open itself only
// fails on an invalid video.
func (t *Tracker) Open(ctx context.Context, v Video) error {
	if v.ID == "" {
		return ErrNoVideo
	}

	t.openMu.Lock()
	defer t.openMu.Unlock()

	t.Close()

	s, err := acquire(ctx, &t.cfg, v, &t.inflight)
	if err != nil {
		t.cfg.Logger.Error("player: open failed", "video_id", v.ID, "error", err)
		if t.cfg.OnError != nil {
			t.cfg.OnError(err.Error())
		}
		return nil
	}
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()
	return nil
}

// Close disposes the current session, if any.
func (t *Tracker) Close() {
	t.mu.Lock()
	s := t.session
	t.session = nil
	t.mu.Unlock()
	if s != nil {
		s.dispose()
	}
}

func (t *Tracker) current() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

func (t *Tracker) Play() error {
	s := t.current()
	if s == nil {
		return ErrNoSession
	}
	return s.play()
}

func (t *Tracker) Pause() error {
	s := t.current()
	if s == nil {
		return ErrNoSession
	}
	return s.pause()
}

func (t *Tracker) Seek(seconds float64) error {
	s := t.current()
	if s == nil {
		return ErrNoSession
	}
	return s.backend.Seek(progress.Normalize(seconds))
}

func (t *Tracker) State() State {
	if s := t.current(); s != nil {
		return s.State()
	}
	return StateIdle
}

func (t *Tracker) Position() float64 {
	if s := t.current(); s != nil {
		return progress.Normalize(s.backend.Position())
	}
	return 0
}

// Current returns the open video and its local progress record.
func (t *Tracker) Current() (Video, progress.Record, bool) {
	s := t.current()
	if s == nil {
		return Video{}, progress.Record{}, false
	}
	return s.video, s.Snapshot(), true
}

// Wait blocks until saves and heartbeats already started have returned.
func (t *Tracker) Wait() {
	t.inflight.Wait()
}
