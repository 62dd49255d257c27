// Package duckdb stores detection history in DuckDB through database/sql.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/gridfinder/internal/duckdb/migrate"
	"github.com/tinytelemetry/gridfinder/internal/model"
)

// DefaultQueryTimeout bounds every store query unless overridden.
const DefaultQueryTimeout = 30 * time.Second

var (
	_ model.ReadAPI         = (*Store)(nil)
	_ model.DetectionWriter = (*Store)(nil)
	_ model.DetectionSink   = (*InsertBuffer)(nil)
)

// Store manages the DuckDB connection and provides query methods.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and applies pending
// migrations. An empty dbPath opens an in-memory database. queryTimeout
// <= 0 means DefaultQueryTimeout.
func NewStore(dbPath string, queryTimeout time.Duration) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("duckdb: create db dir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", dbPath, err)
	}
	if err := migrate.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: migrate: %w", err)
	}

	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &Store{
		db:           db,
		dbPath:       dbPath,
		QueryTimeout: queryTimeout,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetMaxConcurrentQueries caps the number of open connections, and with it
// the number of queries running at once. n <= 0 removes the cap.
func (s *Store) SetMaxConcurrentQueries(n int) {
	if n < 0 {
		n = 0
	}
	s.db.SetMaxOpenConns(n)
}

// DBPath returns the configured path. Empty means in-memory.
func (s *Store) DBPath() string {
	return s.dbPath
}

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}
