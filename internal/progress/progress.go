// Package progress reads and writes per-video playback progress and hides
// transient failures from callers.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/api"
)

// CompletionThreshold is the watched fraction past which a video counts as
// completed even if playback never reached the end.
const CompletionThreshold = 0.95

var ErrVideoIDRequired = errors.New("progress: video id is required")

// Record is one user's progress on one video. The same shape is emitted by
// the player to its consumers.
type Record struct {
	VideoID      string    `json:"videoId"`
	LastPosition float64   `json:"lastPosition"`
	Duration     float64   `json:"duration"`
	Completed    bool      `json:"completed"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type CourseProgress struct {
	CourseID        string   `json:"courseId"`
	TotalVideos     int      `json:"totalVideos"`
	CompletedVideos int      `json:"completedVideos"`
	Percent         float64  `json:"percent"`
	Videos          []Record `json:"videos"`
}

type SaveInput struct {
	LastPosition float64
	Duration     float64
	Completed    bool
}

type savePayload struct {
	LastPosition float64 `json:"lastPosition"`
	Duration     float64 `json:"duration"`
	Completed    *bool   `json:"completed,omitempty"`
}

// IsComplete reports whether position has crossed CompletionThreshold of a
// known duration.
func IsComplete(position, duration float64) bool {
	if duration <= 0 || math.IsNaN(position) || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return false
	}
	return position/duration >= CompletionThreshold
}

// Normalize clamps a playback measurement to a finite, non-negative value.
func Normalize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Requester is the subset of the API client used here.
type Requester interface {
	Do(ctx context.Context, method, path string, body any, opts ...api.RequestOption) (*api.Response, error)
}

type Client struct {
	api             Requester
	logger          *slog.Logger
	clock           clockwork.Clock
	retryDelay      time.Duration
	backgroundDelay time.Duration
	background      sync.WaitGroup

	flushOnce sync.Once
	flushed   chan struct{}
}

func NewClient(r Requester) *Client {
	return &Client{
		api:             r,
		logger:          slog.Default(),
		clock:           clockwork.NewRealClock(),
		retryDelay:      500 * time.Millisecond,
		backgroundDelay: 5 * time.Second,
		flushed:         make(chan struct{}),
	}
}

func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

func (c *Client) SetClock(clock clockwork.Clock) {
	c.clock = clock
}

// SaveProgress persists the position for videoID. It returns the server
// record, or nil when the save could not be persisted this time (expired
// session, repeated transient failure). Other failures are returned.
func (c *Client) SaveProgress(ctx context.Context, videoID string, in SaveInput) (*Record, error) {
	if videoID == "" {
		return nil, ErrVideoIDRequired
	}

	payload := savePayload{
		LastPosition: Normalize(in.LastPosition),
		Duration:     Normalize(in.Duration),
	}
	if in.Completed {
		completed := true
		payload.Completed = &completed
	}

	rec, err := c.post(ctx, videoID, payload)
	if err == nil {
		return rec, nil
	}

	if api.StatusCode(err) == http.StatusUnauthorized {
		c.logger.Warn("progress: save unauthorized, keeping local state", "video_id", videoID)
		return nil, nil
	}
	if !isTransient(err) {
		return nil, err
	}

	c.logger.Warn("progress: save failed, retrying", "video_id", videoID, "error", err)
	select {
	case <-c.clock.After(c.retryDelay):
	case <-ctx.Done():
		return nil, nil
	}

	rec, err = c.post(ctx, videoID, payload)
	if err == nil {
		return rec, nil
	}

	c.logger.Warn("progress: save failed after retry", "video_id", videoID, "error", err)
	if payload.Completed != nil || IsComplete(payload.LastPosition, payload.Duration) {
		c.retryInBackground(videoID, payload)
	}
	return nil, nil
}

// Wait blocks until background retries started by SaveProgress finish.
func (c *Client) Wait() {
	c.background.Wait()
}

// Flush makes pending and future background retries run without their delay,
// then waits for them.
func (c *Client) Flush() {
	c.flushOnce.Do(func() { close(c.flushed) })
	c.background.Wait()
}

func (c *Client) retryInBackground(videoID string, payload savePayload) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		select {
		case <-c.clock.After(c.backgroundDelay):
		case <-c.flushed:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := c.post(ctx, videoID, payload); err != nil {
			c.logger.Warn("progress: background completion save failed", "video_id", videoID, "error", err)
		}
	}()
}

func (c *Client) post(ctx context.Context, videoID string, payload savePayload) (*Record, error) {
	resp, err := c.api.Do(ctx, http.MethodPost, videoPath(videoID), payload)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := resp.JSON(&rec); err != nil {
		return nil, fmt.Errorf("save progress: %w", err)
	}
	return &rec, nil
}

// GetProgress returns the stored record for videoID, or nil when there is
// none or it could not be read.
func (c *Client) GetProgress(ctx context.Context, videoID string) *Record {
	if videoID == "" {
		return nil
	}
	var rec Record
	if !c.read(ctx, videoPath(videoID), &rec) {
		return nil
	}
	return &rec
}

func (c *Client) GetCourseProgress(ctx context.Context, courseID string) *CourseProgress {
	if courseID == "" {
		return nil
	}
	var cp CourseProgress
	if !c.read(ctx, "/api/progress/course/"+url.PathEscape(courseID), &cp) {
		return nil
	}
	return &cp
}

func (c *Client) GetAllMyProgress(ctx context.Context) []Record {
	var records []Record
	if !c.read(ctx, "/api/progress/me", &records) {
		return nil
	}
	return records
}

func (c *Client) read(ctx context.Context, path string, v any) bool {
	resp, err := c.api.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if api.StatusCode(err) != http.StatusNotFound {
			c.logger.Debug("progress: read failed", "path", path, "error", err)
		}
		return false
	}
	if err := resp.JSON(v); err != nil {
		c.logger.Debug("progress: decode failed", "path", path, "error", err)
		return false
	}
	return true
}

func videoPath(videoID string) string {
	return "/api/progress/video/" + url.PathEscape(videoID)
}

func isTransient(err error) bool {
	switch api.StatusCode(err) {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case 0:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var urlErr *url.Error
		return errors.As(err, &urlErr)
	}
	return false
}
