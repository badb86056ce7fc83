package devserver

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/progress"
)

type catalogEntry struct {
	courseID  string
	objectKey string
}

type session struct {
	userID   string
	client   ClientInfo
	lastSeen time.Time
}

// MemoryStore keeps everything in process. It is used by tests and by
// embedders that do not need persistence.
type MemoryStore struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	videos   map[string]catalogEntry
	progress map[string]map[string]progress.Record
	sessions map[string]session
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		videos:   make(map[string]catalogEntry),
		progress: make(map[string]map[string]progress.Record),
		sessions: make(map[string]session),
	}
}

// AddVideo registers a video in a course. objectKey may be empty.
func (m *MemoryStore) AddVideo(videoID, courseID, objectKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[videoID] = catalogEntry{courseID: courseID, objectKey: objectKey}
}

func (m *MemoryStore) SaveProgress(_ context.Context, userID, videoID string, in progress.SaveInput) (progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.progress[userID]
	if !ok {
		records = make(map[string]progress.Record)
		m.progress[userID] = records
	}
	rec := mergeSave(records[videoID], videoID, in, m.clock.Now())
	records[videoID] = rec
	return rec, nil
}

func (m *MemoryStore) GetProgress(_ context.Context, userID, videoID string) (progress.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.progress[userID][videoID]
	if !ok {
		return progress.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) CourseProgress(_ context.Context, userID, courseID string) (progress.CourseProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := progress.CourseProgress{CourseID: courseID, Videos: []progress.Record{}}
	for id, v := range m.videos {
		if v.courseID != courseID {
			continue
		}
		cp.TotalVideos++
		rec, ok := m.progress[userID][id]
		if !ok {
			continue
		}
		if rec.Completed {
			cp.CompletedVideos++
		}
		cp.Videos = append(cp.Videos, rec)
	}
	if cp.TotalVideos == 0 {
		return progress.CourseProgress{}, ErrNotFound
	}
	slices.SortFunc(cp.Videos, func(a, b progress.Record) int { return strings.Compare(a.VideoID, b.VideoID) })
	cp.Percent = coursePercent(cp.CompletedVideos, cp.TotalVideos)
	return cp, nil
}

func (m *MemoryStore) AllProgress(_ context.Context, userID string) ([]progress.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]progress.Record, 0, len(m.progress[userID]))
	for _, rec := range m.progress[userID] {
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b progress.Record) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return records, nil
}

func (m *MemoryStore) ObjectKey(_ context.Context, videoID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[videoID]
	if !ok || v.objectKey == "" {
		return "", ErrNotFound
	}
	return v.objectKey, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, userID, sessionID string, client ClientInfo, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.userID != userID {
		return ErrNotFound
	}
	m.sessions[sessionID] = session{userID: userID, client: client, lastSeen: at}
	return nil
}

// Session reports the device and last touch time recorded for a session.
func (m *MemoryStore) Session(sessionID string) (ClientInfo, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s.client, s.lastSeen, ok
}
