// Package devserver is a small backend implementing the progress, session
// and auth endpoints the client expects, for local development and
// end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"time"

	"github.com/lumenlms/lumen/internal/progress"
	"github.com/mssola/useragent"
)

var ErrNotFound = errors.New("devserver: not found")

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Store persists progress and playback sessions per user.
type Store interface {
	SaveProgress(ctx context.Context, userID, videoID string, in progress.SaveInput) (progress.Record, error)
	GetProgress(ctx context.Context, userID, videoID string) (progress.Record, error)
	CourseProgress(ctx context.Context, userID, courseID string) (progress.CourseProgress, error)
	AllProgress(ctx context.Context, userID string) ([]progress.Record, error)
	ObjectKey(ctx context.Context, videoID string) (string, error)
	TouchSession(ctx context.Context, userID, sessionID string, client ClientInfo, at time.Time) error
}

// ClientInfo describes the device behind a playback session.
type ClientInfo struct {
	Platform string
	Browser  string
	Mobile   bool
	Country  string
	City     string
}

func ParseClientInfo(userAgent string) ClientInfo {
	if userAgent == "" {
		return ClientInfo{}
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		name, _ := ua.Browser()
		return ClientInfo{Platform: "bot", Browser: name}
	}
	name, version := ua.Browser()
	browser := name
	if version != "" {
		browser = name + " " + version
	}
	platform := ua.OS()
	if platform == "" {
		platform = ua.Platform()
	}
	return ClientInfo{Platform: platform, Browser: browser, Mobile: ua.Mobile()}
}

// mergeSave applies a save on top of the stored record. A zero duration keeps
// the known one and completion is never cleared.
func mergeSave(existing progress.Record, videoID string, in progress.SaveInput, at time.Time) progress.Record {
	rec := progress.Record{
		VideoID:      videoID,
		LastPosition: progress.Normalize(in.LastPosition),
		Duration:     progress.Normalize(in.Duration),
		UpdatedAt:    at,
	}
	if rec.Duration == 0 {
		rec.Duration = existing.Duration
	}
	rec.Completed = existing.Completed || in.Completed || progress.IsComplete(rec.LastPosition, rec.Duration)
	return rec
}

func coursePercent(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}
