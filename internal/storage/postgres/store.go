// Package postgres provides the Postgres-backed crawl store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	tableCodes = "codes"
	tableNames = "names"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.Store on top of a pgx pool. Every call runs in
// its own implicit transaction.
type Store struct {
	pool querier
}

var _ crawler.Store = (*Store)(nil)

// NewPool opens a pgx pool using the provided config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveCode inserts a pending code unless one with the same code exists.
func (s *Store) SaveCode(ctx context.Context, code, url string) error {
	exists, err := s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM codes WHERE code = $1)`, code)
	if err != nil {
		return fmt.Errorf("check code %s: %w", code, err)
	}
	if exists {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO codes (code, url, status) VALUES ($1, $2, $3)`,
		code, url, crawler.StatusPending,
	); err != nil {
		return fmt.Errorf("insert code %s: %w", code, err)
	}
	return nil
}

// PendingCodes returns a snapshot of codes still awaiting processing.
func (s *Store) PendingCodes(ctx context.Context) ([]crawler.Code, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, url, status, created_at, updated_at
		FROM codes
		WHERE status = $1
		ORDER BY id`, crawler.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending codes: %w", err)
	}
	defer rows.Close()

	var out []crawler.Code
	for rows.Next() {
		var c crawler.Code
		if err := rows.Scan(&c.ID, &c.Code, &c.URL, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate codes: %w", err)
	}
	return out, nil
}

// UpdateCodeStatus moves a pending code to done or error.
func (s *Store) UpdateCodeStatus(ctx context.Context, id int64, status crawler.Status) error {
	return s.updateStatus(ctx, tableCodes, id, status)
}

// SaveName inserts a pending name unless one with the same name exists.
func (s *Store) SaveName(ctx context.Context, code, name, url string) error {
	exists, err := s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM names WHERE name = $1)`, name)
	if err != nil {
		return fmt.Errorf("check name %q: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO names (product_code, name, url, status) VALUES ($1, $2, $3, $4)`,
		code, name, url, crawler.StatusPending,
	); err != nil {
		return fmt.Errorf("insert name %q: %w", name, err)
	}
	return nil
}

// PendingNames returns a snapshot of names still awaiting processing.
func (s *Store) PendingNames(ctx context.Context) ([]crawler.Name, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, product_code, name, url, status, created_at, updated_at
		FROM names
		WHERE status = $1
		ORDER BY id`, crawler.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending names: %w", err)
	}
	defer rows.Close()

	var out []crawler.Name
	for rows.Next() {
		var n crawler.Name
		if err := rows.Scan(&n.ID, &n.ProductCode, &n.Name, &n.URL, &n.Status, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate names: %w", err)
	}
	return out, nil
}

// UpdateNameStatus moves a pending name to done or error.
func (s *Store) UpdateNameStatus(ctx context.Context, id int64, status crawler.Status) error {
	return s.updateStatus(ctx, tableNames, id, status)
}

// SaveRawContent stores the body for a name once; later calls are no-ops.
func (s *Store) SaveRawContent(ctx context.Context, productName, bodyHTML string) error {
	exists, err := s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM rawdata WHERE product_name = $1)`, productName)
	if err != nil {
		return fmt.Errorf("check raw content %q: %w", productName, err)
	}
	if exists {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO rawdata (product_name, body_html) VALUES ($1, $2)`,
		productName, bodyHTML,
	); err != nil {
		return fmt.Errorf("insert raw content %q: %w", productName, err)
	}
	return nil
}

// SaveFileRecord appends a row pointing at an uploaded object.
func (s *Store) SaveFileRecord(ctx context.Context, productName, fileID, fileURL string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO files (product_name, file_id, file_url) VALUES ($1, $2, $3)`,
		productName, fileID, fileURL,
	); err != nil {
		return fmt.Errorf("insert file record %s: %w", fileID, err)
	}
	return nil
}

// CountRawContent returns the number of archived bodies.
func (s *Store) CountRawContent(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rawdata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw content: %w", err)
	}
	return n, nil
}

// RequeueErrors resets error rows back to pending for the selected tables.
func (s *Store) RequeueErrors(ctx context.Context, target crawler.RequeueTarget) (crawler.RequeueResult, error) {
	var res crawler.RequeueResult
	if target.Codes {
		n, err := s.requeue(ctx, tableCodes)
		if err != nil {
			return res, err
		}
		res.Codes = n
	}
	if target.Names {
		n, err := s.requeue(ctx, tableNames)
		if err != nil {
			return res, err
		}
		res.Names = n
	}
	return res, nil
}

// Stats summarizes row counts per status.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var st crawler.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM codes WHERE status = 'pending'),
			(SELECT COUNT(*) FROM codes WHERE status = 'done'),
			(SELECT COUNT(*) FROM codes WHERE status = 'error'),
			(SELECT COUNT(*) FROM names WHERE status = 'pending'),
			(SELECT COUNT(*) FROM names WHERE status = 'done'),
			(SELECT COUNT(*) FROM names WHERE status = 'error'),
			(SELECT COUNT(*) FROM rawdata),
			(SELECT COUNT(*) FROM files)`).Scan(
		&st.Codes.Pending,
		&st.Codes.Done,
		&st.Codes.Error,
		&st.Names.Pending,
		&st.Names.Done,
		&st.Names.Error,
		&st.RawContent,
		&st.Files,
	)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

func (s *Store) exists(ctx context.Context, query string, key string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("query existence: %w", err)
	}
	return exists, nil
}

func (s *Store) updateStatus(ctx context.Context, table string, id int64, status crawler.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%s %d -> %s: %w", table, id, status, crawler.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`, table),
		status, id, crawler.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", table, id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current crawler.Status
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, table), id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", table, id, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s %d: %w", table, id, err)
	}
	return fmt.Errorf("%s %d is %s: %w", table, id, current, crawler.ErrInvalidTransition)
}

func (s *Store) requeue(ctx context.Context, table string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = now() WHERE status = $2`, table),
		crawler.StatusPending, crawler.StatusError,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}
