package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/rtchat/pkg/conversation"
)

// SQLiteStore keeps sessions and events in the sessions / session_events tables.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout so concurrent
// sessions do not trip over SQLITE_BUSY.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT NOT NULL PRIMARY KEY,
			user_id TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			summary TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS session_events_by_session ON session_events(session_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return persistenceError("create session", sess.ID, errors.New("sqlite store: db is nil"))
	}
	if err := validateSession(sess); err != nil {
		return persistenceError("create session", sess.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(session_id, user_id, start_time) VALUES(?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, sess.ID, sess.UserID, formatTime(sess.StartTime))
	if err != nil {
		return persistenceError("create session", sess.ID, errors.Wrap(err, "sqlite store: insert session"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceError("create session", sess.ID, err)
	}
	if n == 0 {
		return persistenceError("create session", sess.ID, ErrSessionExists)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s == nil || s.db == nil {
		return Session{}, persistenceError("get session", sessionID, errors.New("sqlite store: db is nil"))
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, start_time, end_time, summary
		FROM sessions WHERE session_id = ?
	`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, persistenceError("get session", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, persistenceError("get session", sessionID, err)
	}
	return sess, nil
}

func (s *SQLiteStore) FinishSession(ctx context.Context, sessionID string, endTime time.Time, summary *string) error {
	if s == nil || s.db == nil {
		return persistenceError("finish session", sessionID, errors.New("sqlite store: db is nil"))
	}
	var summaryArg any
	if summary != nil {
		summaryArg = *summary
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET end_time = ?, summary = ?
		WHERE session_id = ? AND end_time IS NULL
	`, formatTime(endTime), summaryArg, sessionID)
	if err != nil {
		return persistenceError("finish session", sessionID, errors.Wrap(err, "sqlite store: update session"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceError("finish session", sessionID, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return persistenceError("finish session", sessionID, err)
	}
	return persistenceError("finish session", sessionID, ErrSessionFinalized)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, persistenceError("list sessions", "", errors.New("sqlite store: db is nil"))
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, start_time, end_time, summary
		FROM sessions ORDER BY rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, persistenceError("list sessions", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, persistenceError("list sessions", "", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list sessions", "", err)
	}
	return out, nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev Event) error {
	if s == nil || s.db == nil {
		return persistenceError("append event", ev.SessionID, errors.New("sqlite store: db is nil"))
	}
	if err := validateEvent(ev); err != nil {
		return persistenceError("append event", ev.SessionID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events(session_id, role, content, timestamp) VALUES(?, ?, ?, ?)
	`, ev.SessionID, string(ev.Role), ev.Content, formatTime(ev.Timestamp)); err != nil {
		return persistenceError("append event", ev.SessionID, errors.Wrap(err, "sqlite store: insert event"))
	}
	return nil
}

func (s *SQLiteStore) Events(ctx context.Context, sessionID string) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, persistenceError("list events", sessionID, errors.New("sqlite store: db is nil"))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, timestamp
		FROM session_events WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, persistenceError("list events", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			role    string
			tsValue string
		)
		if err := rows.Scan(&ev.SessionID, &role, &ev.Content, &tsValue); err != nil {
			return nil, persistenceError("list events", sessionID, err)
		}
		if ev.Role, err = conversation.ParseRole(role); err != nil {
			return nil, persistenceError("list events", sessionID, err)
		}
		if ev.Timestamp, err = parseTime(tsValue); err != nil {
			return nil, persistenceError("list events", sessionID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list events", sessionID, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess    Session
		start   string
		end     sql.NullString
		summary sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &start, &end, &summary); err != nil {
		return Session{}, err
	}
	t, err := parseTime(start)
	if err != nil {
		return Session{}, err
	}
	sess.StartTime = t
	if end.Valid {
		et, err := parseTime(end.String)
		if err != nil {
			return Session{}, err
		}
		sess.EndTime = &et
	}
	if summary.Valid {
		v := summary.String
		sess.Summary = &v
	}
	return sess, nil
}
