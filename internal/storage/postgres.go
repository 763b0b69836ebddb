package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
)

//go:embed postgres.sql
var postgresMigrations string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 5

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(cctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func (p *postgresStore) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

func (p *postgresStore) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return ErrClosed
	}
	return p.pool.Ping(ctx)
}

func (p *postgresStore) Enqueue(ctx context.Context, it Item) (int64, error) {
	normKind(&it)
	var id int64
	err := p.pool.QueryRow(ctx, `
INSERT INTO messages (group_id, content, media_kind, media_ref, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, it.GroupID, nullStr(it.Content), string(it.Kind), nullStr(it.MediaRef), StatusPending, it.CreatedAt.UTC()).Scan(&id)
	return id, err
}

func (p *postgresStore) ReadBatch(ctx context.Context, group string, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, group_id, content, media_kind, media_ref, status, created_at
FROM messages
WHERE group_id = $1 AND status = $2
ORDER BY id ASC
LIMIT $3
`, group, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it           Item
			content, ref *string
			kind         string
		)
		if err := rows.Scan(&it.ID, &it.GroupID, &content, &kind, &ref, &it.Status, &it.CreatedAt); err != nil {
			return nil, err
		}
		if content != nil {
			it.Content = *content
		}
		if ref != nil {
			it.MediaRef = *ref
		}
		it.Kind = transport.MediaKind(kind)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *postgresStore) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *postgresStore) CountPending(ctx context.Context, group string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE group_id = $1 AND status = $2`, group, StatusPending,
	).Scan(&n)
	return n, err
}

func (p *postgresStore) ListDestinations(ctx context.Context, group string) ([]string, error) {
	return p.strings(ctx, `SELECT channel FROM channels WHERE group_id = $1 ORDER BY id ASC`, group)
}

func (p *postgresStore) AddDestination(ctx context.Context, group, dest string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO channels (group_id, channel) VALUES ($1, $2)
ON CONFLICT (group_id, channel) DO NOTHING
`, group, dest)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *postgresStore) RemoveDestination(ctx context.Context, group, dest string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE group_id = $1 AND channel = $2`, group, dest)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *postgresStore) ListSchedule(ctx context.Context, group string) ([]string, error) {
	return p.strings(ctx, `SELECT time FROM schedules WHERE group_id = $1 ORDER BY position ASC`, group)
}

func (p *postgresStore) ReplaceSchedule(ctx context.Context, group string, times []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM schedules WHERE group_id = $1`, group); err != nil {
		return err
	}
	for i, t := range times {
		if _, err := tx.Exec(ctx,
			`INSERT INTO schedules (group_id, position, time) VALUES ($1, $2, $3)`, group, i, t,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *postgresStore) SetForwarding(ctx context.Context, st ForwardingState) error {
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO forwarding (group_id, notify_chat, started_at) VALUES ($1, $2, $3)
ON CONFLICT (group_id) DO UPDATE SET notify_chat = EXCLUDED.notify_chat, started_at = EXCLUDED.started_at
`, st.GroupID, st.NotifyChat, st.StartedAt.UTC())
	return err
}

func (p *postgresStore) ListForwarding(ctx context.Context) ([]ForwardingState, error) {
	rows, err := p.pool.Query(ctx, `SELECT group_id, notify_chat, started_at FROM forwarding ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ForwardingState
	for rows.Next() {
		var st ForwardingState
		if err := rows.Scan(&st.GroupID, &st.NotifyChat, &st.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *postgresStore) ClearForwarding(ctx context.Context, group string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM forwarding WHERE group_id = $1`, group)
	return err
}

func (p *postgresStore) MarkFired(ctx context.Context, trigger string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO trigger_fires (name, fired_at) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET fired_at = EXCLUDED.fired_at
`, trigger, at.UTC())
	return err
}

func (p *postgresStore) LastFired(ctx context.Context, trigger string) (time.Time, bool, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx, `SELECT fired_at FROM trigger_fires WHERE name = $1`, trigger).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (p *postgresStore) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := p.pool.Query(ctx, q, args...)
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
