// Package player drives one playback backend per opened video and turns its
// events into a steady, rate-limited stream of progress records while
// persisting progress on an interval and on lifecycle boundaries.
package player

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

type BackendKind int

const (
	BackendNative BackendKind = iota
	BackendEmbedded
)

func (k BackendKind) String() string {
	if k == BackendEmbedded {
		return "embedded"
	}
	return "native"
}

// Backend is the one surface the tracker talks to. Listener registrations
// return a func that removes the listener.
type Backend interface {
	Kind() BackendKind
	Load(ctx context.Context) error
	Play() error
	Pause() error
	Seek(seconds float64) error
	Position() float64
	Duration() float64
	OnStateChange(fn func(State)) (remove func())
	OnError(fn func(error)) (remove func())
	Destroy()
}

// Video describes what to play. Either URL or an embed provider id may be
// set; with neither, the backend stream endpoint is used.
type Video struct {
	ID            string
	CourseID      string
	Title         string
	URL           string
	EmbedProvider string
	EmbedID       string
}

type EmbedRef struct {
	Provider string
	ID       string
}

type Source struct {
	Kind      BackendKind
	StreamURL string
	Embed     EmbedRef
}

const (
	ProviderYouTube = "youtube"
	ProviderVimeo   = "vimeo"
)

var (
	youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	vimeoIDPattern   = regexp.MustCompile(`^[0-9]+$`)
)

// ResolveSource picks the backend for v. A recognized embed provider id or
// embed URL selects the embedded backend; anything else plays natively.
func ResolveSource(v Video, streamBaseURL string) Source {
	if provider := strings.ToLower(v.EmbedProvider); provider != "" && v.EmbedID != "" {
		if provider == ProviderYouTube || provider == ProviderVimeo {
			return Source{Kind: BackendEmbedded, Embed: EmbedRef{Provider: provider, ID: v.EmbedID}}
		}
	}

	if ref, ok := parseEmbedURL(v.URL); ok {
		return Source{Kind: BackendEmbedded, Embed: ref}
	}

	if v.URL != "" {
		if u, err := url.Parse(v.URL); err == nil && u.IsAbs() {
			return Source{Kind: BackendNative, StreamURL: v.URL}
		}
	}
	base := strings.TrimRight(streamBaseURL, "/")
	return Source{Kind: BackendNative, StreamURL: base + "/api/videos/" + url.PathEscape(v.ID) + "/stream"}
}

func parseEmbedURL(raw string) (EmbedRef, bool) {
	if raw == "" {
		return EmbedRef{}, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return EmbedRef{}, false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })

	switch host {
	case "youtube.com", "youtube-nocookie.com":
		var id string
		switch {
		case len(segments) == 1 && segments[0] == "watch":
			id = u.Query().Get("v")
		case len(segments) == 2 && (segments[0] == "embed" || segments[0] == "shorts" || segments[0] == "live"):
			id = segments[1]
		}
		if youtubeIDPattern.MatchString(id) {
			return EmbedRef{Provider: ProviderYouTube, ID: id}, true
		}
	case "youtu.be":
		if len(segments) == 1 && youtubeIDPattern.MatchString(segments[0]) {
			return EmbedRef{Provider: ProviderYouTube, ID: segments[0]}, true
		}
	case "vimeo.com", "player.vimeo.com":
		for i := len(segments) - 1; i >= 0; i-- {
			if vimeoIDPattern.MatchString(segments[i]) {
				return EmbedRef{Provider: ProviderVimeo, ID: segments[i]}, true
			}
		}
	}
	return EmbedRef{}, false
}

// listeners is a registry of callbacks that can each be removed once.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = nil
}
