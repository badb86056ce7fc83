package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/database"
	"github.com/lumenlms/lumen/internal/progress"
)

type PostgresStore struct {
	db    database.DBTX
	clock clockwork.Clock
}

func NewPostgresStore(db database.DBTX, clock clockwork.Clock) *PostgresStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresStore{db: db, clock: clock}
}

// Duration falls back to the stored value when the client does not know it
// yet, and completion is OR-ed so it never flips back.
const upsertProgressSQL = `INSERT INTO video_progress (user_id, video_id, last_position, duration, completed, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, video_id) DO UPDATE SET
    last_position = EXCLUDED.last_position,
    duration = CASE WHEN EXCLUDED.duration > 0 THEN EXCLUDED.duration ELSE video_progress.duration END,
    completed = video_progress.completed OR EXCLUDED.completed
        OR (EXCLUDED.duration = 0 AND video_progress.duration > 0 AND EXCLUDED.last_position / video_progress.duration >= $7),
    updated_at = EXCLUDED.updated_at
RETURNING video_id, last_position, duration, completed, updated_at`

func (s *PostgresStore) SaveProgress(ctx context.Context, userID, videoID string, in progress.SaveInput) (progress.Record, error) {
	rec := mergeSave(progress.Record{}, videoID, in, s.clock.Now().UTC())

	var out progress.Record
	err := s.db.QueryRow(ctx, upsertProgressSQL,
		userID, videoID, rec.LastPosition, rec.Duration, rec.Completed, rec.UpdatedAt, progress.CompletionThreshold,
	).Scan(&out.VideoID, &out.LastPosition, &out.Duration, &out.Completed, &out.UpdatedAt)
	if err != nil {
		return progress.Record{}, fmt.Errorf("save progress: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetProgress(ctx context.Context, userID, videoID string) (progress.Record, error) {
	var rec progress.Record
	err := s.db.QueryRow(ctx,
		`SELECT video_id, last_position, duration, completed, updated_at
		 FROM video_progress WHERE user_id = $1 AND video_id = $2`,
		userID, videoID,
	).Scan(&rec.VideoID, &rec.LastPosition, &rec.Duration, &rec.Completed, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return progress.Record{}, ErrNotFound
		}
		return progress.Record{}, fmt.Errorf("get progress: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) CourseProgress(ctx context.Context, userID, courseID string) (progress.CourseProgress, error) {
	rows, err := s.db.Query(ctx,
		`SELECT v.id, p.last_position, p.duration, p.completed, p.updated_at
		 FROM videos v
		 LEFT JOIN video_progress p ON p.video_id = v.id AND p.user_id = $1
		 WHERE v.course_id = $2
		 ORDER BY v.id`,
		userID, courseID,
	)
	if err != nil {
		return progress.CourseProgress{}, fmt.Errorf("course progress: %w", err)
	}
	defer rows.Close()

	cp := progress.CourseProgress{CourseID: courseID, Videos: []progress.Record{}}
	for rows.Next() {
		var (
			videoID   string
			position  *float64
			duration  *float64
			completed *bool
			updatedAt *time.Time
		)
		if err := rows.Scan(&videoID, &position, &duration, &completed, &updatedAt); err != nil {
			return progress.CourseProgress{}, fmt.Errorf("scan course progress: %w", err)
		}
		cp.TotalVideos++
		if completed == nil {
			continue
		}
		rec := progress.Record{VideoID: videoID, LastPosition: *position, Duration: *duration, Completed: *completed, UpdatedAt: *updatedAt}
		if rec.Completed {
			cp.CompletedVideos++
		}
		cp.Videos = append(cp.Videos, rec)
	}
	if err := rows.Err(); err != nil {
		return progress.CourseProgress{}, fmt.Errorf("course progress: %w", err)
	}
	if cp.TotalVideos == 0 {
		return progress.CourseProgress{}, ErrNotFound
	}
	cp.Percent = coursePercent(cp.CompletedVideos, cp.TotalVideos)
	return cp, nil
}

func (s *PostgresStore) AllProgress(ctx context.Context, userID string) ([]progress.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT video_id, last_position, duration, completed, updated_at
		 FROM video_progress WHERE user_id = $1
		 ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	records := make([]progress.Record, 0)
	for rows.Next() {
		var rec progress.Record
		if err := rows.Scan(&rec.VideoID, &rec.LastPosition, &rec.Duration, &rec.Completed, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) ObjectKey(ctx context.Context, videoID string) (string, error) {
	var key *string
	err := s.db.QueryRow(ctx, `SELECT object_key FROM videos WHERE id = $1`, videoID).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("object key: %w", err)
	}
	if key == nil || *key == "" {
		return "", ErrNotFound
	}
	return *key, nil
}

// TouchSession creates or refreshes a session. A session id owned by another
// user is reported as ErrNotFound.
func (s *PostgresStore) TouchSession(ctx context.Context, userID, sessionID string, client ClientInfo, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO playback_sessions (id, user_id, platform, browser, mobile, country, city, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     platform = EXCLUDED.platform,
		     browser = EXCLUDED.browser,
		     mobile = EXCLUDED.mobile,
		     country = EXCLUDED.country,
		     city = EXCLUDED.city,
		     last_seen_at = EXCLUDED.last_seen_at
		 WHERE playback_sessions.user_id = EXCLUDED.user_id`,
		sessionID, userID, client.Platform, client.Browser, client.Mobile, client.Country, client.City, at,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
