// Package simulated provides clock-driven playback backends for terminals,
// demos and tests, where no real media element exists.
package simulated

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/player"
)

var ErrNoSource = errors.New("no source loaded")

// Element is a player.MediaElement whose position advances with a clock.
// Events for calls made on it are dispatched synchronously.
type Element struct {
	clock    clockwork.Clock
	duration float64
	loadErr  error

	mu        sync.Mutex
	src       string
	err       error
	base      float64
	startedAt time.Time
	playing   bool
	stop      chan struct{}
	nextID    int
	handlers  map[player.MediaEvent]map[int]func()
}

// NewElement returns an element whose media lasts duration seconds once a
// source is set.
func NewElement(clock clockwork.Clock, duration float64) *Element {
	return &Element{
		clock:    clock,
		duration: duration,
		handlers: make(map[player.MediaEvent]map[int]func()),
	}
}

// FailLoads makes every following SetSource report err through the error
// event.
func (e *Element) FailLoads(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadErr = err
}

func (e *Element) SetSource(src string) error {
	e.mu.Lock()
	e.stopLocked()
	e.src = src
	e.base = 0
	e.err = nil
	loadErr := e.loadErr
	e.mu.Unlock()

	if src == "" {
		return nil
	}
	e.dispatch(player.EventLoadStart)
	if loadErr != nil {
		e.mu.Lock()
		e.err = loadErr
		e.mu.Unlock()
		e.dispatch(player.EventError)
		return nil
	}
	e.dispatch(player.EventLoadedMetadata)
	return nil
}

func (e *Element) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

func (e *Element) Play() error {
	e.mu.Lock()
	if e.src == "" || e.err != nil {
		e.mu.Unlock()
		return ErrNoSource
	}
	if e.playing {
		e.mu.Unlock()
		return nil
	}
	if e.base >= e.duration {
		e.base = 0
	}
	e.playing = true
	e.startedAt = e.clock.Now()
	e.watchLocked()
	e.mu.Unlock()

	e.dispatch(player.EventPlaying)
	return nil
}

func (e *Element) Pause() error {
	e.mu.Lock()
	if !e.playing {
		e.mu.Unlock()
		return nil
	}
	e.base = e.positionLocked()
	e.stopLocked()
	e.mu.Unlock()

	e.dispatch(player.EventPause)
	return nil
}

func (e *Element) SetCurrentTime(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base = min(max(seconds, 0), e.duration)
	if e.playing {
		e.stopLocked()
		e.playing = true
		e.startedAt = e.clock.Now()
		e.watchLocked()
	}
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.src == "" || e.err != nil {
		return 0
	}
	return e.duration
}

func (e *Element) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Element) AddEventListener(event player.MediaEvent, fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]func())
	}
	id := e.nextID
	e.nextID++
	e.handlers[event][id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[event], id)
	}
}

// Listeners reports how many listeners are registered across all events.
func (e *Element) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, fns := range e.handlers {
		n += len(fns)
	}
	return n
}

func (e *Element) positionLocked() float64 {
	if !e.playing {
		return e.base
	}
	return min(e.base+e.clock.Since(e.startedAt).Seconds(), e.duration)
}

// watchLocked arms the end-of-media timer. The timer is registered before
// returning so a fake clock advanced right after Play still fires it.
func (e *Element) watchLocked() {
	remaining := time.Duration((e.duration - e.base) * float64(time.Second))
	end := e.clock.After(remaining)
	stop := make(chan struct{})
	e.stop = stop

	go func() {
		select {
		case <-stop:
		case <-end:
			e.finish(stop)
		}
	}()
}

func (e *Element) finish(stop chan struct{}) {
	e.mu.Lock()
	if e.stop != stop {
		e.mu.Unlock()
		return
	}
	e.base = e.duration
	e.stopLocked()
	e.mu.Unlock()

	e.dispatch(player.EventEnded)
}

func (e *Element) stopLocked() {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.playing = false
}

func (e *Element) dispatch(event player.MediaEvent) {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.handlers[event]))
	for _, fn := range e.handlers[event] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
