package player

import (
	"context"
	"os"
	"os/signal"
)

// PageEvents is the page-level lifecycle a session listens to so it can flush
// a final save when the viewer leaves.
type PageEvents interface {
	OnVisibilityHidden(fn func()) (remove func())
	OnBeforeUnload(fn func()) (remove func())
}

// Page dispatches page-level events to registered listeners.
type Page struct {
	hidden listeners[struct{}]
	unload listeners[struct{}]
}

func NewPage() *Page {
	return &Page{}
}

func (p *Page) OnVisibilityHidden(fn func()) func() {
	return p.hidden.add(func(struct{}) { fn() })
}

func (p *Page) OnBeforeUnload(fn func()) func() {
	return p.unload.add(func(struct{}) { fn() })
}

func (p *Page) Hide()   { p.hidden.emit(struct{}{}) }
func (p *Page) Unload() { p.unload.emit(struct{}{}) }

// NotifySignals dispatches Unload on the first of sigs, then calls stop.
// It returns when ctx is done or after the first signal.
func NotifySignals(ctx context.Context, p *Page, stop func(), sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	select {
	case <-ch:
		p.Unload()
		if stop != nil {
			stop()
		}
	case <-ctx.Done():
	}
}
