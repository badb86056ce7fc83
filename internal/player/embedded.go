package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EmbedState is the numeric player state reported by iframe player SDKs.
type EmbedState int

const (
	EmbedUnstarted EmbedState = -1
	EmbedEnded     EmbedState = 0
	EmbedPlaying   EmbedState = 1
	EmbedPaused    EmbedState = 2
	EmbedBuffering EmbedState = 3
	EmbedCued      EmbedState = 5
)

type EmbedEvents struct {
	OnReady       func()
	OnStateChange func(EmbedState)
	OnError       func(code int)
}

// EmbeddedPlayer is a third-party hosted player controlled through its SDK.
// Position is not pushed by the SDK; it has to be polled.
type EmbeddedPlayer interface {
	PlayVideo()
	PauseVideo()
	SeekTo(seconds float64, allowSeekAhead bool)
	CurrentTime() float64
	Duration() float64
	Destroy()
}

// EmbeddedFactory creates the SDK player for ref. events may be invoked from
// any goroutine.
type EmbeddedFactory func(ctx context.Context, ref EmbedRef, events EmbedEvents) (EmbeddedPlayer, error)

var ErrEmbeddedUnavailable = errors.New("embedded player is not available")

type embeddedBackend struct {
	ref     EmbedRef
	factory EmbeddedFactory

	states listeners[State]
	errs   listeners[error]

	mu        sync.Mutex
	player    EmbeddedPlayer
	early     bool
	destroyed bool
}

func newEmbeddedBackend(ref EmbedRef, factory EmbeddedFactory) *embeddedBackend {
	return &embeddedBackend{ref: ref, factory: factory}
}

func (b *embeddedBackend) Kind() BackendKind { return BackendEmbedded }

func (b *embeddedBackend) Load(ctx context.Context) error {
	if b.factory == nil {
		return ErrEmbeddedUnavailable
	}
	b.emitState(StateLoading)

	p, err := b.factory(ctx, b.ref, EmbedEvents{
		OnReady:       b.handleReady,
		OnStateChange: b.handleSDKState,
		OnError: func(code int) {
			if !b.isDestroyed() {
				b.errs.emit(embedError(code))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("create %s player for %s: %w", b.ref.Provider, b.ref.ID, err)
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		p.Destroy()
		return nil
	}
	b.player = p
	ready := b.early
	b.early = false
	b.mu.Unlock()

	if ready {
		b.emitState(StateReady)
	}
	return nil
}

// handleReady holds back a ready event fired before the factory returned so
// listeners never observe Ready without a player to query.
func (b *embeddedBackend) handleReady() {
	b.mu.Lock()
	if b.player == nil && !b.destroyed {
		b.early = true
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.emitState(StateReady)
}

func (b *embeddedBackend) handleSDKState(s EmbedState) {
	switch s {
	case EmbedPlaying:
		b.emitState(StatePlaying)
	case EmbedPaused:
		b.emitState(StatePaused)
	case EmbedEnded:
		b.emitState(StateEnded)
	case EmbedCued:
		b.emitState(StateReady)
	}
}

func (b *embeddedBackend) emitState(s State) {
	if b.isDestroyed() {
		return
	}
	b.states.emit(s)
}

func (b *embeddedBackend) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *embeddedBackend) current() EmbeddedPlayer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil
	}
	return b.player
}

func (b *embeddedBackend) Play() error {
	p := b.current()
	if p == nil {
		return ErrEmbeddedUnavailable
	}
	p.PlayVideo()
	return nil
}

func (b *embeddedBackend) Pause() error {
	p := b.current()
	if p == nil {
		return ErrEmbeddedUnavailable
	}
	p.PauseVideo()
	return nil
}

func (b *embeddedBackend) Seek(seconds float64) error {
	p := b.current()
	if p == nil {
		return ErrEmbeddedUnavailable
	}
	p.SeekTo(seconds, true)
	return nil
}

func (b *embeddedBackend) Position() float64 {
	if p := b.current(); p != nil {
		return p.CurrentTime()
	}
	return 0
}

func (b *embeddedBackend) Duration() float64 {
	if p := b.current(); p != nil {
		return p.Duration()
	}
	return 0
}

func (b *embeddedBackend) OnStateChange(fn func(State)) func() { return b.states.add(fn) }
func (b *embeddedBackend) OnError(fn func(error)) func()       { return b.errs.add(fn) }

func (b *embeddedBackend) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	p := b.player
	b.player = nil
	b.mu.Unlock()

	b.states.clear()
	b.errs.clear()
	if p != nil {
		p.Destroy()
	}
}

func embedError(code int) error {
	switch code {
	case 2:
		return errors.New("embedded player rejected the video id")
	case 5:
		return errors.New("embedded player cannot play this video")
	case 100:
		return errors.New("video not found or private")
	case 101, 150:
		return errors.New("video owner does not allow embedding")
	}
	return fmt.Errorf("embedded player error %d", code)
}
