package simulated

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/player"
)

// Embedded is a player.EmbeddedPlayer backed by an Element. It reports
// state through the numeric SDK codes the real iframe players use.
type Embedded struct {
	el       *Element
	events   player.EmbedEvents
	removers []func()

	mu        sync.Mutex
	destroyed bool
}

// EmbeddedFactory returns a factory creating players of the given duration.
// A non-zero failCode makes every player report that SDK error after ready.
func EmbeddedFactory(clock clockwork.Clock, duration float64, failCode int) player.EmbeddedFactory {
	return func(ctx context.Context, ref player.EmbedRef, events player.EmbedEvents) (player.EmbeddedPlayer, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := &Embedded{el: NewElement(clock, duration), events: events}
		p.removers = []func(){
			p.el.AddEventListener(player.EventPlaying, func() { p.state(player.EmbedPlaying) }),
			p.el.AddEventListener(player.EventPause, func() { p.state(player.EmbedPaused) }),
			p.el.AddEventListener(player.EventEnded, func() { p.state(player.EmbedEnded) }),
		}
		if err := p.el.SetSource(ref.Provider + ":" + ref.ID); err != nil {
			return nil, err
		}
		if events.OnReady != nil {
			events.OnReady()
		}
		if failCode != 0 && events.OnError != nil {
			events.OnError(failCode)
		}
		return p, nil
	}
}

func (p *Embedded) state(s player.EmbedState) {
	if p.isDestroyed() || p.events.OnStateChange == nil {
		return
	}
	p.events.OnStateChange(s)
}

func (p *Embedded) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *Embedded) PlayVideo()  { _ = p.el.Play() }
func (p *Embedded) PauseVideo() { _ = p.el.Pause() }

func (p *Embedded) SeekTo(seconds float64, _ bool) { p.el.SetCurrentTime(seconds) }

func (p *Embedded) CurrentTime() float64 { return p.el.CurrentTime() }
func (p *Embedded) Duration() float64    { return p.el.Duration() }

func (p *Embedded) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	for _, remove := range p.removers {
		remove()
	}
	_ = p.el.SetSource("")
}
