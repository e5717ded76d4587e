// Package sqlite is a single-file vector store. Embeddings are stored as
// little-endian float32 BLOBs and ranked with a full scan in Go.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"sync/atomic"

	driver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds SQLite store settings.
type Config struct {
	Path       string
	Table      string
	Dimensions int
}

// Store implements vector.Store on top of database/sql.
type Store struct {
	db     *sql.DB
	table  string
	dims   int
	closed atomic.Bool
}

// Open opens (or creates) the database at cfg.Path. The schema is not touched
// until EnsureSchema is called.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.Table == "" {
		cfg.Table = vector.DefaultCollection
	}
	if !identRe.MatchString(cfg.Table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", cfg.Table)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = vector.DefaultDimensions
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, vector.NewError(vector.KindConnectionUnavailable, "open", err)
	}
	if cfg.Path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, table: cfg.Table, dims: cfg.Dimensions}, nil
}

// EnsureSchema creates the image table and records the vector dimensionality.
// An existing table created with a different dimensionality is reported as a
// schema mismatch.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			caption TEXT NOT NULL,
			vector BLOB NOT NULL
		)`, s.table),
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.classify("ensure_schema", err)
		}
	}

	key := s.table + ".dimensions"
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO store_meta(key, value) VALUES(?, ?)`, key, strconv.Itoa(s.dims)); err != nil {
			return s.classify("ensure_schema", err)
		}
		slog.Info("sqlite schema created", "table", s.table, "dimensions", s.dims)
		return nil
	case err != nil:
		return s.classify("ensure_schema", err)
	}

	if stored != strconv.Itoa(s.dims) {
		return vector.NewError(vector.KindSchemaMismatch, "ensure_schema",
			fmt.Errorf("table %s has %s dimensions, configured %d", s.table, stored, s.dims))
	}
	return nil
}

// Add inserts doc as a new row.
func (s *Store) Add(ctx context.Context, doc vector.Document) error {
	if s.closed.Load() {
		return vector.NewError(vector.KindConnectionUnavailable, "add", errStoreClosed)
	}
	if err := vector.Validate(doc, s.dims); err != nil {
		return vector.AddError(err)
	}

	query := fmt.Sprintf(`INSERT INTO %s(name, caption, vector) VALUES(?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, doc.Name, doc.Caption, encode(doc.Vector)); err != nil {
		return s.classify("add", err)
	}
	return nil
}

// Search scores every stored row against query and returns the best size.
// Rows with equal scores keep insertion order.
func (s *Store) Search(ctx context.Context, query []float32, size int) ([]vector.Hit, error) {
	if s.closed.Load() {
		return []vector.Hit{}, vector.NewError(vector.KindConnectionUnavailable, "search", errStoreClosed)
	}
	if size <= 0 {
		return []vector.Hit{}, nil
	}
	if err := vector.CheckQuery(query, s.dims); err != nil {
		return []vector.Hit{}, vector.NewError(vector.KindSchemaMismatch, "search", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT name, caption, vector FROM %s ORDER BY id`, s.table))
	if err != nil {
		return []vector.Hit{}, s.classify("search", err)
	}
	defer rows.Close()

	hits := make([]vector.Hit, 0)
	for rows.Next() {
		var (
			name, caption string
			blob          []byte
		)
		if err := rows.Scan(&name, &caption, &blob); err != nil {
			return []vector.Hit{}, s.classify("search", err)
		}
		stored, err := decode(blob)
		if err != nil {
			slog.Warn("skipping undecodable vector", "name", name, "error", err)
			continue
		}
		score, err := vector.Score(query, stored)
		if err != nil {
			// zero-magnitude query or a row from another dimensionality
			continue
		}
		hits = append(hits, vector.Hit{Name: name, Caption: caption, Score: score})
	}
	if err := rows.Err(); err != nil {
		return []vector.Hit{}, s.classify("search", err)
	}
	return vector.Rank(hits, size), nil
}

// Ping checks that the database file can be reached.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return vector.NewError(vector.KindConnectionUnavailable, "ping", errStoreClosed)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return vector.NewError(vector.KindConnectionUnavailable, "ping", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

var errStoreClosed = errors.New("sqlite: store is closed")

func (s *Store) classify(op string, err error) error {
	var drvErr *driver.Error
	switch {
	case s.closed.Load(), errors.Is(err, sql.ErrConnDone):
		return vector.NewError(vector.KindConnectionUnavailable, op, err)
	case errors.As(err, &drvErr) && drvErr.Code()&0xff == sqlite3.SQLITE_CANTOPEN:
		return vector.NewError(vector.KindConnectionUnavailable, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return vector.NewError(vector.KindConnectionUnavailable, op, err)
	default:
		return vector.NewError(vector.KindEngine, op, err)
	}
}

func encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("sqlite: vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

var _ vector.Store = (*Store)(nil)
