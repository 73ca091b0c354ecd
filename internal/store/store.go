// Package store archives finished transcription sessions in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fmueller/livewhisper/internal/protocol"
)

var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	uid           TEXT NOT NULL,
	language      TEXT NOT NULL DEFAULT '',
	task          TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	backend       TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	ended_at      TEXT NOT NULL,
	audio_seconds REAL NOT NULL DEFAULT 0,
	segments      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions (started_at);
CREATE INDEX IF NOT EXISTS sessions_uid ON sessions (uid);
`

const timeLayout = time.RFC3339Nano

type Session struct {
	ID           int64
	UID          string
	Language     string
	Task         string
	Model        string
	Backend      string
	StartedAt    time.Time
	EndedAt      time.Time
	AudioSeconds float64
	Segments     []protocol.Segment
}

// Text joins the segment texts of the session.
func (s Session) Text() string {
	parts := make([]string, 0, len(s.Segments))
	for _, seg := range s.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

type SQLiteStore struct {
	db *sql.DB
}

// Open creates the database file and its directory when missing.
func Open(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=rwc&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess Session) (int64, error) {
	segments := sess.Segments
	if segments == nil {
		segments = []protocol.Segment{}
	}
	raw, err := json.Marshal(segments)
	if err != nil {
		return 0, fmt.Errorf("encode segments: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (uid, language, task, model, backend, started_at, ended_at, audio_seconds, segments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.UID, sess.Language, sess.Task, sess.Model, sess.Backend,
		sess.StartedAt.UTC().Format(timeLayout), sess.EndedAt.UTC().Format(timeLayout),
		sess.AudioSeconds, string(raw),
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read session id: %w", err)
	}
	return id, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 means all.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT id, uid, language, task, model, backend, started_at, ended_at, audio_seconds, segments
		FROM sessions ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id int64) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, uid, language, task, model, backend, started_at, ended_at, audio_seconds, segments
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return sess, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess           Session
		started, ended string
		rawSegments    string
	)
	if err := row.Scan(&sess.ID, &sess.UID, &sess.Language, &sess.Task, &sess.Model, &sess.Backend,
		&started, &ended, &sess.AudioSeconds, &rawSegments); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	var err error
	if sess.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.EndedAt, err = time.Parse(timeLayout, ended); err != nil {
		return Session{}, fmt.Errorf("parse ended_at: %w", err)
	}
	if err := json.Unmarshal([]byte(rawSegments), &sess.Segments); err != nil {
		return Session{}, fmt.Errorf("decode segments: %w", err)
	}
	return sess, nil
}
