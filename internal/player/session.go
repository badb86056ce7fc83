package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/localstore"
	"github.com/lumenlms/lumen/internal/progress"
)

const (
	saveTimeout   = 15 * time.Second
	beaconTimeout = 2 * time.Second
)

// Session is the runtime handle of one opened video. Everything it registers
// during acquire is released by dispose, which is idempotent.
type Session struct {
	id        string
	sessionID string
	video     Video
	backend   Backend
	cfg       *Config
	logger    *slog.Logger
	inflight  *sync.WaitGroup

	local  *progress.Optimistic[progress.Record]
	stored *progress.Record

	// ctl serializes the resume seek with backend teardown.
	ctl sync.Mutex

	mu                sync.Mutex
	state             State
	disposed          bool
	errorReported     bool
	resumeChecked     bool
	resumed           bool
	playPending       bool
	completed         bool
	completedNotified bool
	lastPosition      float64
	duration          float64
	lastEmit          time.Time
	act               *activities
	removers          []func()
}

type activities struct {
	stop    chan struct{}
	tickers []clockwork.Ticker
}

func acquire(ctx context.Context, cfg *Config, v Video, inflight *sync.WaitGroup) (s *Session, err error) {
	src := ResolveSource(v, cfg.StreamBaseURL)

	s = &Session{
		id:       uuid.NewString(),
		video:    v,
		cfg:      cfg,
		inflight: inflight,
		local:    progress.NewOptimistic(progress.Record{VideoID: v.ID}),
	}
	s.logger = cfg.Logger.With("video_id", v.ID, "handle", s.id)

	defer func() {
		if err != nil {
			s.dispose()
			s = nil
		}
	}()

	switch src.Kind {
	case BackendEmbedded:
		s.backend = newEmbeddedBackend(src.Embed, cfg.NewEmbedded)
	default:
		if cfg.NewMediaElement == nil {
			return s, errors.New("no media element available for native playback")
		}
		s.backend = newNativeBackend(cfg.NewMediaElement(), src.StreamURL)
	}

	s.sessionID = s.resolveSessionID()
	s.fetchStored(ctx)
	s.removers = append(s.removers,
		s.backend.OnStateChange(s.handleState),
		s.backend.OnError(s.handleError),
	)
	if cfg.Page != nil {
		s.removers = append(s.removers,
			cfg.Page.OnVisibilityHidden(s.beacon),
			cfg.Page.OnBeforeUnload(s.beacon),
		)
	}

	s.logger.Debug("player: session acquired", "backend", src.Kind.String())
	if err := s.backend.Load(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Session) resolveSessionID() string {
	if s.cfg.SessionID != "" {
		return s.cfg.SessionID
	}
	if s.cfg.Store == nil {
		return ""
	}
	if id, err := s.cfg.Store.Get(localstore.PlaybackSessionKey); err == nil && id != "" {
		return id
	} else if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		s.logger.Warn("player: read playback session failed", "error", err)
	}
	id := uuid.NewString()
	if err := s.cfg.Store.Set(localstore.PlaybackSessionKey, id); err != nil {
		s.logger.Warn("player: persist playback session failed", "error", err)
	}
	return id
}

// dispose stops every ticker, removes every listener and destroys the
// backend. Saves already in flight finish, but their results are dropped.
func (s *Session) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.stopActivitiesLocked()
	removers := s.removers
	s.removers = nil
	backend := s.backend
	s.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	if backend != nil {
		s.ctl.Lock()
		backend.Destroy()
		s.ctl.Unlock()
	}
	s.logger.Debug("player: session disposed")
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleState(st State) {
	pos, dur := s.measure()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.lastPosition, s.duration = pos, dur

	var after []func()
	switch st {
	case StateReady:
		if !s.resumeChecked {
			after = append(after, s.resume)
		}
	case StatePlaying:
		if s.resumed {
			s.startActivitiesLocked()
		} else if !s.resumeChecked {
			after = append(after, s.resume)
		}
	case StatePaused:
		s.stopActivitiesLocked()
		after = append(after, func() { s.save(false) }, func() { s.emit(false) })
	case StateEnded:
		s.stopActivitiesLocked()
		s.completed = true
		notify := !s.completedNotified
		s.completedNotified = true
		after = append(after, func() { s.save(true) }, func() { s.emit(true) })
		if notify && s.cfg.OnCompleted != nil {
			after = append(after, func() { s.cfg.OnCompleted(s.video) })
		}
	}
	s.mu.Unlock()

	s.logger.Debug("player: state changed", "state", st.String())
	for _, fn := range after {
		fn()
	}
}

func (s *Session) handleError(err error) {
	s.mu.Lock()
	if s.disposed || s.errorReported {
		s.mu.Unlock()
		return
	}
	s.errorReported = true
	s.mu.Unlock()

	s.logger.Error("player: playback error", "error", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err.Error())
	}
}

func (s *Session) measure() (position, duration float64) {
	return progress.Normalize(s.backend.Position()), progress.Normalize(s.backend.Duration())
}

func (s *Session) startActivitiesLocked() {
	if s.act != nil {
		return
	}
	clock := s.cfg.Clock
	a := &activities{stop: make(chan struct{})}
	sample := clock.NewTicker(s.cfg.SampleInterval)
	save := clock.NewTicker(s.cfg.SaveInterval)
	a.tickers = []clockwork.Ticker{sample, save}

	var heartbeat <-chan time.Time
	if s.cfg.Sessions != nil && s.sessionID != "" {
		hb := clock.NewTicker(s.cfg.HeartbeatInterval)
		a.tickers = append(a.tickers, hb)
		heartbeat = hb.Chan()
	}
	s.act = a

	go s.run(a, sample.Chan(), save.Chan(), heartbeat)
}

func (s *Session) stopActivitiesLocked() {
	a := s.act
	if a == nil {
		return
	}
	s.act = nil
	for _, t := range a.tickers {
		t.Stop()
	}
	close(a.stop)
}

func (s *Session) run(a *activities, sample, save, heartbeat <-chan time.Time) {
	for {
		select {
		case <-a.stop:
			return
		case <-sample:
			if s.current(a) {
				s.sample()
			}
		case <-save:
			if s.current(a) {
				s.save(false)
			}
		case <-heartbeat:
			if s.current(a) {
				s.heartbeat()
			}
		}
	}
}

func (s *Session) current(a *activities) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disposed && s.act == a
}

func (s *Session) sample() {
	pos, dur := s.measure()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.lastPosition, s.duration = pos, dur
	if progress.IsComplete(pos, dur) {
		s.completed = true
	}
	s.mu.Unlock()

	s.emit(false)
}

// emit sends a progress record to the parent, at most once per EmitThrottle
// unless force is set.
func (s *Session) emit(force bool) {
	if s.cfg.OnProgress == nil {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	now := s.cfg.Clock.Now()
	if !force && !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < s.cfg.EmitThrottle {
		s.mu.Unlock()
		return
	}
	s.lastEmit = now
	rec := s.recordLocked(now)
	s.mu.Unlock()

	s.cfg.OnProgress(rec)
}

func (s *Session) recordLocked(now time.Time) progress.Record {
	return progress.Record{
		VideoID:      s.video.ID,
		LastPosition: s.lastPosition,
		Duration:     s.duration,
		Completed:    s.completed || progress.IsComplete(s.lastPosition, s.duration),
		UpdatedAt:    now,
	}
}

// save persists the current position without blocking the caller.
func (s *Session) save(markComplete bool) {
	pos, dur := s.measure()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.lastPosition, s.duration = pos, dur
	if markComplete || progress.IsComplete(pos, dur) {
		s.completed = true
	}
	rec := s.recordLocked(s.cfg.Clock.Now())
	s.mu.Unlock()

	s.local.Apply(rec)
	input := progress.SaveInput{LastPosition: rec.LastPosition, Duration: rec.Duration, Completed: rec.Completed}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		server, err := s.cfg.Progress.SaveProgress(ctx, s.video.ID, input)
		s.reconcile(server, err)
	}()
}

func (s *Session) reconcile(server *progress.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	switch {
	case err != nil:
		s.logger.Warn("player: progress save rejected", "error", err)
		s.local.Rollback()
	case server == nil:
		s.local.Keep()
	default:
		local := s.local.Get()
		s.local.Confirm(*progress.Merge(&local, server))
		if server.Completed {
			s.completed = true
		}
	}
}

// fetchStored reads the stored record before the backend loads, so the
// resume seek never waits on the network.
func (s *Session) fetchStored(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	rec := s.cfg.Progress.GetProgress(ctx, s.video.ID)
	if rec == nil {
		return
	}
	s.stored = rec
	local := s.local.Get()
	s.local.Confirm(*progress.Merge(&local, rec))
	if rec.Completed {
		s.completed = true
	}
}

// resume runs once, on the first Ready or Playing state. It seeks forward to
// the stored position when that lies inside the media, then releases the
// activities and any play requested before it ran.
func (s *Session) resume() {
	pos, dur := s.measure()

	s.ctl.Lock()
	s.mu.Lock()
	if s.disposed || s.resumeChecked {
		s.mu.Unlock()
		s.ctl.Unlock()
		return
	}
	s.resumeChecked = true
	rec := s.stored
	seek := rec != nil && rec.LastPosition > 0 && dur > 0 && rec.LastPosition < dur && rec.LastPosition > pos
	s.mu.Unlock()

	if seek {
		if err := s.backend.Seek(rec.LastPosition); err != nil {
			s.logger.Warn("player: resume seek failed", "error", err)
		} else {
			s.logger.Debug("player: resumed", "position", rec.LastPosition)
		}
	}
	s.ctl.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.resumed = true
	play := s.playPending
	s.playPending = false
	if s.state == StatePlaying {
		s.startActivitiesLocked()
	}
	s.mu.Unlock()

	if play {
		if err := s.backend.Play(); err != nil {
			s.handleError(err)
		}
	}
}

// play starts playback, or defers it until resume has run.
func (s *Session) play() error {
	s.mu.Lock()
	if !s.resumed && !s.disposed {
		s.playPending = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.backend.Play()
}

func (s *Session) pause() error {
	s.mu.Lock()
	s.playPending = false
	s.mu.Unlock()
	return s.backend.Pause()
}

func (s *Session) heartbeat() {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := s.cfg.Sessions.TouchSession(ctx, s.sessionID); err != nil {
			s.logger.Debug("player: session touch failed", "error", err)
		}
	}()
}

// beacon flushes the position synchronously when the viewer leaves. It never
// panics and ignores every failure.
func (s *Session) beacon() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("player: beacon save panicked", "panic", fmt.Sprint(r))
		}
	}()

	pos, dur := s.measure()
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.lastPosition, s.duration = pos, dur
	rec := s.recordLocked(s.cfg.Clock.Now())
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()
	input := progress.SaveInput{LastPosition: rec.LastPosition, Duration: rec.Duration, Completed: rec.Completed}
	if _, err := s.cfg.Progress.SaveProgress(ctx, s.video.ID, input); err != nil {
		s.logger.Debug("player: beacon save failed", "error", err)
	}
	if s.cfg.Sessions != nil && s.sessionID != "" {
		if err := s.cfg.Sessions.TouchSession(ctx, s.sessionID); err != nil {
			s.logger.Debug("player: beacon touch failed", "error", err)
		}
	}
}

// Snapshot returns the local view of the video's progress.
func (s *Session) Snapshot() progress.Record {
	return s.local.Get()
}
