package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/db"
)

// Timestamps live in BIGINT columns as Unix milliseconds so cutoff
// comparisons behave the same on SQLite and Postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		platform_id      TEXT NOT NULL,
		thread_id        TEXT NOT NULL,
		state            TEXT NOT NULL,
		last_activity_at BIGINT NOT NULL,
		is_deleted       INTEGER NOT NULL DEFAULT 0,
		deleted_at       BIGINT,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL,
		PRIMARY KEY (platform_id, thread_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_liveness ON sessions (is_deleted, last_activity_at)`,
	`CREATE TABLE IF NOT EXISTS session_posts (
		platform_id TEXT NOT NULL,
		thread_id   TEXT NOT NULL,
		post_id     TEXT NOT NULL,
		PRIMARY KEY (platform_id, post_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_posts_thread ON session_posts (platform_id, thread_id)`,
}

// SQLStore keeps session records in SQL, one JSON document per
// session plus the session_posts reverse index.
type SQLStore struct {
	pool *db.Pool
	log  *logger.Logger
}

var _ Store = (*SQLStore)(nil)

// New initializes the schema and returns a store on the given pool.
func New(pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &SQLStore{
		pool: pool,
		log:  log.WithFields(zap.String("component", "session-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	// One statement per Exec; pgx does not run multi-statement strings.
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts the record and rebuilds its post index in one
// transaction. A previously soft-deleted session is resurrected with
// its original created_at.
func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.PlatformID == "" || rec.ThreadID == "" {
		return fmt.Errorf("store: record needs platform and thread ids")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	lastActivity := rec.LastActivityAt.UnixMilli()
	if rec.LastActivityAt.IsZero() {
		lastActivity = now
	}

	upsert := tx.Rebind(`INSERT INTO sessions
		(platform_id, thread_id, state, last_activity_at, is_deleted, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, NULL, ?, ?)
		ON CONFLICT (platform_id, thread_id) DO UPDATE SET
			state = excluded.state,
			last_activity_at = excluded.last_activity_at,
			is_deleted = 0,
			deleted_at = NULL,
			updated_at = excluded.updated_at`)
	if _, err := tx.ExecContext(ctx, upsert,
		rec.PlatformID, rec.ThreadID, string(payload), lastActivity, now, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	clearPosts := tx.Rebind(`DELETE FROM session_posts WHERE platform_id = ? AND thread_id = ?`)
	if _, err := tx.ExecContext(ctx, clearPosts, rec.PlatformID, rec.ThreadID); err != nil {
		return fmt.Errorf("clear session post index: %w", err)
	}
	insert := tx.Rebind(`INSERT INTO session_posts (platform_id, thread_id, post_id) VALUES (?, ?, ?)`)
	for _, postID := range rec.PostIDs() {
		if _, err := tx.ExecContext(ctx, insert, rec.PlatformID, rec.ThreadID, postID); err != nil {
			return fmt.Errorf("index session post: %w", err)
		}
	}

	return tx.Commit()
}

// SoftDelete marks the session dead and removes its posts from the
// reverse index. Deleting an unknown or already dead session is a
// no-op.
func (s *SQLStore) SoftDelete(ctx context.Context, platformID, threadID string) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	mark := tx.Rebind(`UPDATE sessions SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE platform_id = ? AND thread_id = ? AND is_deleted = 0`)
	if _, err := tx.ExecContext(ctx, mark, now, now, platformID, threadID); err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	clearPosts := tx.Rebind(`DELETE FROM session_posts WHERE platform_id = ? AND thread_id = ?`)
	if _, err := tx.ExecContext(ctx, clearPosts, platformID, threadID); err != nil {
		return fmt.Errorf("clear session post index: %w", err)
	}

	return tx.Commit()
}

// Load returns all live sessions. Rows whose state no longer parses
// are logged and skipped so one corrupt session cannot block startup.
func (s *SQLStore) Load(ctx context.Context) (map[string]*Record, error) {
	query := s.pool.Reader().Rebind(`SELECT platform_id, thread_id, state FROM sessions WHERE is_deleted = 0`)
	rows, err := s.pool.Reader().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Record)
	for rows.Next() {
		var platformID, threadID, payload string
		if err := rows.Scan(&platformID, &threadID, &payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(platformID, threadID, payload)
		if err != nil {
			s.log.Warn("skipping corrupt session row",
				zap.String("platform_id", platformID),
				zap.String("thread_id", threadID),
				zap.Error(err))
			continue
		}
		out[rec.Key()] = rec
	}
	return out, rows.Err()
}

// FindByPostID resolves the live session owning a post via the
// session_posts index.
func (s *SQLStore) FindByPostID(ctx context.Context, platformID, postID string) (*Record, error) {
	query := s.pool.Reader().Rebind(`SELECT s.thread_id, s.state
		FROM sessions s
		JOIN session_posts p ON p.platform_id = s.platform_id AND p.thread_id = s.thread_id
		WHERE p.platform_id = ? AND p.post_id = ? AND s.is_deleted = 0`)
	var threadID, payload string
	err := s.pool.Reader().QueryRowContext(ctx, query, platformID, postID).Scan(&threadID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session by post: %w", err)
	}
	return decodeRecord(platformID, threadID, payload)
}

// FindByThread returns the live session for a thread.
func (s *SQLStore) FindByThread(ctx context.Context, platformID, threadID string) (*Record, error) {
	query := s.pool.Reader().Rebind(`SELECT state FROM sessions
		WHERE platform_id = ? AND thread_id = ? AND is_deleted = 0`)
	var payload string
	err := s.pool.Reader().QueryRowContext(ctx, query, platformID, threadID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session by thread: %w", err)
	}
	return decodeRecord(platformID, threadID, payload)
}

// CleanStale soft-deletes live sessions whose last activity is older
// than maxAge. It catches sessions orphaned by a crash, which never
// went through the normal pause path.
func (s *SQLStore) CleanStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	clearPosts := tx.Rebind(`DELETE FROM session_posts WHERE (platform_id, thread_id) IN
		(SELECT platform_id, thread_id FROM sessions WHERE is_deleted = 0 AND last_activity_at < ?)`)
	if _, err := tx.ExecContext(ctx, clearPosts, cutoff); err != nil {
		return 0, fmt.Errorf("clear stale post index: %w", err)
	}

	mark := tx.Rebind(`UPDATE sessions SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE is_deleted = 0 AND last_activity_at < ?`)
	res, err := tx.ExecContext(ctx, mark, now, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("soft delete stale sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// CleanHistory hard-deletes sessions that have been soft-deleted for
// longer than retention.
func (s *SQLStore) CleanHistory(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	query := s.pool.Writer().Rebind(`DELETE FROM sessions
		WHERE is_deleted = 1 AND deleted_at IS NOT NULL AND deleted_at < ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean session history: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handles.
func (s *SQLStore) Close() error {
	if s.pool.DriverName() == db.DriverSQLite {
		_, _ = s.pool.Writer().Exec("PRAGMA optimize")
	}
	return s.pool.Close()
}

func decodeRecord(platformID, threadID, payload string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	// The key columns are authoritative over the document copy.
	rec.PlatformID = platformID
	rec.ThreadID = threadID
	return &rec, nil
}
