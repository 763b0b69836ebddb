package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes ReplaceSchedule.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// ---- queue ----

func (s *sqliteStore) Enqueue(ctx context.Context, it Item) (int64, error) {
	normKind(&it)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(group_id, content, media_kind, media_ref, status, created_at)
		 VALUES(?,?,?,?,?,?)`,
		it.GroupID, nullStr(it.Content), string(it.Kind), nullStr(it.MediaRef), StatusPending,
		it.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ReadBatch(ctx context.Context, group string, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, content, media_kind, media_ref, status, created_at
		 FROM messages WHERE group_id = ? AND status = ? ORDER BY id ASC LIMIT ?`,
		group, StatusPending, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it            Item
			content, ref  sql.NullString
			kind, created string
		)
		if err := rows.Scan(&it.ID, &it.GroupID, &content, &kind, &ref, &it.Status, &created); err != nil {
			return nil, err
		}
		it.Content = content.String
		it.MediaRef = ref.String
		it.Kind = transport.MediaKind(kind)
		it.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `DELETE FROM messages WHERE id IN (` + placeholders(len(ids)) + `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CountPending(ctx context.Context, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE group_id = ? AND status = ?`, group, StatusPending,
	).Scan(&n)
	return n, err
}

// ---- directory ----

func (s *sqliteStore) ListDestinations(ctx context.Context, group string) ([]string, error) {
	return s.strings(ctx, `SELECT channel FROM channels WHERE group_id = ? ORDER BY rowid ASC`, group)
}

func (s *sqliteStore) AddDestination(ctx context.Context, group, dest string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels(group_id, channel, added_at) VALUES(?,?,?)`,
		group, dest, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, group, dest string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE group_id = ? AND channel = ?`, group, dest)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListSchedule(ctx context.Context, group string) ([]string, error) {
	return s.strings(ctx, `SELECT time FROM schedules WHERE group_id = ? ORDER BY position ASC`, group)
}

func (s *sqliteStore) ReplaceSchedule(ctx context.Context, group string, times []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE group_id = ?`, group); err != nil {
		return err
	}
	for i, t := range times {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedules(group_id, position, time) VALUES(?,?,?)`, group, i, t,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- state ----

func (s *sqliteStore) SetForwarding(ctx context.Context, st ForwardingState) error {
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forwarding(group_id, notify_chat, started_at) VALUES(?,?,?)
		 ON CONFLICT(group_id) DO UPDATE SET notify_chat=excluded.notify_chat, started_at=excluded.started_at`,
		st.GroupID, st.NotifyChat, st.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListForwarding(ctx context.Context) ([]ForwardingState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, notify_chat, started_at FROM forwarding ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ForwardingState
	for rows.Next() {
		var (
			st      ForwardingState
			started string
		)
		if err := rows.Scan(&st.GroupID, &st.NotifyChat, &started); err != nil {
			return nil, err
		}
		st.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearForwarding(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM forwarding WHERE group_id = ?`, group)
	return err
}

func (s *sqliteStore) MarkFired(ctx context.Context, trigger string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_fires(name, fired_at) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET fired_at=excluded.fired_at`,
		trigger, at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LastFired(ctx context.Context, trigger string) (time.Time, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT fired_at FROM trigger_fires WHERE name = ?`, trigger).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
