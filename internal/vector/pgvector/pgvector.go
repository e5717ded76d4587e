// Package pgvector implements vector.Store on PostgreSQL with the pgvector
// extension.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config configures the PostgreSQL store. The database user must be allowed
// to run CREATE EXTENSION vector, or the extension must already be installed.
type Config struct {
	DSN        string
	Table      string
	Dimensions int
}

// Store implements vector.Store with a shared pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	dims   int
	closed atomic.Bool
}

// New creates the pool. No connection is made until the first call.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector: dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = vector.DefaultCollection
	}
	if !identRe.MatchString(cfg.Table) {
		return nil, fmt.Errorf("pgvector: invalid table name %q", cfg.Table)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = vector.DefaultDimensions
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, vector.NewError(vector.KindConnectionUnavailable, "connect", err)
	}
	return &Store{pool: pool, table: cfg.Table, dims: cfg.Dimensions}, nil
}

// EnsureSchema installs the extension and creates the image table. An
// existing table with another vector width is a schema mismatch.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			caption TEXT NOT NULL,
			vector vector(%d) NOT NULL
		)`, s.table, s.dims),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return s.classify("ensure_schema", err)
		}
	}

	var width int
	err := s.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = $1::regclass AND attname = 'vector'`, s.table).Scan(&width)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return vector.NewError(vector.KindSchemaMismatch, "ensure_schema",
				fmt.Errorf("table %s has no vector column", s.table))
		}
		return s.classify("ensure_schema", err)
	}
	if width != s.dims {
		return vector.NewError(vector.KindSchemaMismatch, "ensure_schema",
			fmt.Errorf("table %s has %d dimensions, configured %d", s.table, width, s.dims))
	}
	slog.Debug("pgvector schema ready", "table", s.table, "dimensions", s.dims)
	return nil
}

// Add inserts doc as a new row.
func (s *Store) Add(ctx context.Context, doc vector.Document) error {
	if s.closed.Load() {
		return vector.NewError(vector.KindConnectionUnavailable, "add", errPoolClosed)
	}
	if err := vector.Validate(doc, s.dims); err != nil {
		return vector.AddError(err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (name, caption, vector) VALUES ($1, $2, $3)`, s.table)
	if _, err := s.pool.Exec(ctx, query, doc.Name, doc.Caption, pgv.NewVector(doc.Vector)); err != nil {
		return s.classify("add", err)
	}
	return nil
}

// Search orders rows by cosine distance. The score is 2 minus the distance,
// which equals cosine similarity plus one.
func (s *Store) Search(ctx context.Context, query []float32, size int) ([]vector.Hit, error) {
	if s.closed.Load() {
		return []vector.Hit{}, vector.NewError(vector.KindConnectionUnavailable, "search", errPoolClosed)
	}
	if size <= 0 {
		return []vector.Hit{}, nil
	}
	if err := vector.CheckQuery(query, s.dims); err != nil {
		return []vector.Hit{}, vector.NewError(vector.KindSchemaMismatch, "search", err)
	}

	sql := fmt.Sprintf(`
		SELECT name, caption, 2 - (vector <=> $1) AS score
		FROM %s
		ORDER BY vector <=> $1, id
		LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, sql, pgv.NewVector(query), size)
	if err != nil {
		return []vector.Hit{}, s.classify("search", err)
	}
	defer rows.Close()

	hits := make([]vector.Hit, 0, size)
	for rows.Next() {
		var h vector.Hit
		if err := rows.Scan(&h.Name, &h.Caption, &h.Score); err != nil {
			return []vector.Hit{}, s.classify("search", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return []vector.Hit{}, s.classify("search", err)
	}
	return vector.Rank(hits, size), nil
}

// Ping acquires a connection and pings the server.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return vector.NewError(vector.KindConnectionUnavailable, "ping", errPoolClosed)
	}
	if err := s.pool.Ping(ctx); err != nil {
		return vector.NewError(vector.KindConnectionUnavailable, "ping", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	if !s.closed.Swap(true) {
		s.pool.Close()
	}
	return nil
}

var errPoolClosed = errors.New("pgvector: pool is closed")

func (s *Store) classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 22000 is raised by pgvector for dimension mismatches
		if pgErr.Code == "22000" || pgErr.Code == "42804" {
			return vector.NewError(vector.KindSchemaMismatch, op, err)
		}
		return vector.NewError(vector.KindEngine, op, err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case s.closed.Load(), errors.As(err, &connErr), errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return vector.NewError(vector.KindConnectionUnavailable, op, err)
	}
	return vector.NewError(vector.KindEngine, op, err)
}

var _ vector.Store = (*Store)(nil)
