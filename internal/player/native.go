package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

type MediaEvent string

const (
	EventLoadStart      MediaEvent = "loadstart"
	EventLoadedMetadata MediaEvent = "loadedmetadata"
	EventPlaying        MediaEvent = "playing"
	EventPause          MediaEvent = "pause"
	EventEnded          MediaEvent = "ended"
	EventError          MediaEvent = "error"
)

// MediaElement is a media element with an event model like the HTML5 video
// element: playback is driven by method calls and reported through events.
type MediaElement interface {
	SetSource(src string) error
	Play() error
	Pause() error
	SetCurrentTime(seconds float64)
	CurrentTime() float64
	// Duration is NaN or 0 until metadata has loaded.
	Duration() float64
	// Err returns the last media error, if any.
	Err() error
	AddEventListener(event MediaEvent, fn func()) (remove func())
}

type nativeBackend struct {
	el  MediaElement
	src string

	states listeners[State]
	errs   listeners[error]

	mu        sync.Mutex
	removers  []func()
	destroyed bool
}

func newNativeBackend(el MediaElement, src string) *nativeBackend {
	return &nativeBackend{el: el, src: src}
}

func (b *nativeBackend) Kind() BackendKind { return BackendNative }

func (b *nativeBackend) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	events := map[MediaEvent]State{
		EventLoadStart:      StateLoading,
		EventLoadedMetadata: StateReady,
		EventPlaying:        StatePlaying,
		EventPause:          StatePaused,
		EventEnded:          StateEnded,
	}

	b.mu.Lock()
	for event, state := range events {
		state := state
		b.removers = append(b.removers, b.el.AddEventListener(event, func() { b.emitState(state) }))
	}
	b.removers = append(b.removers, b.el.AddEventListener(EventError, b.emitMediaError))
	b.mu.Unlock()

	if err := b.el.SetSource(b.src); err != nil {
		return fmt.Errorf("load %s: %w", b.src, err)
	}
	return nil
}

func (b *nativeBackend) emitState(s State) {
	if b.isDestroyed() {
		return
	}
	b.states.emit(s)
}

func (b *nativeBackend) emitMediaError() {
	if b.isDestroyed() {
		return
	}
	err := b.el.Err()
	if err == nil {
		err = errors.New("media playback failed")
	}
	b.errs.emit(err)
}

func (b *nativeBackend) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *nativeBackend) Play() error  { return b.el.Play() }
func (b *nativeBackend) Pause() error { return b.el.Pause() }

func (b *nativeBackend) Seek(seconds float64) error {
	b.el.SetCurrentTime(seconds)
	return nil
}

func (b *nativeBackend) Position() float64 { return b.el.CurrentTime() }

func (b *nativeBackend) Duration() float64 {
	d := b.el.Duration()
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return d
}

func (b *nativeBackend) OnStateChange(fn func(State)) func() { return b.states.add(fn) }
func (b *nativeBackend) OnError(fn func(error)) func()       { return b.errs.add(fn) }

// Destroy removes every element listener and releases the source.
func (b *nativeBackend) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	removers := b.removers
	b.removers = nil
	b.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	b.states.clear()
	b.errs.clear()
	_ = b.el.Pause()
	_ = b.el.SetSource("")
}
