package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mindfold/mindfold/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed segment store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool

	// scanPageSize bounds how many rows a single Scan page loads.
	scanPageSize int
}

// Option configures a [Store].
type Option func(*Store)

// WithScanPageSize overrides the page size used by [Store.Scan].
// Values below 1 are ignored. The default is 500.
func WithScanPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanPageSize = n
		}
	}
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the segments table exists.
//
// embeddingDimensions must match the output dimension of the embeddings
// model whose vectors will be stored.
func New(ctx context.Context, dsn string, embeddingDimensions int, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so the embedding column
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", errors.Join(store.ErrUnavailable, err))
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool, scanPageSize: 500}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all connections held by the underlying pool. Call it when
// the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: %w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// opErr wraps err for the named operation. Connection-level failures carry
// [store.ErrUnavailable] in their chain so retry decorators can tell an
// outage apart from a logical error.
func opErr(op string, err error) error {
	if isUnavailable(err) {
		err = errors.Join(store.ErrUnavailable, err)
	}
	return fmt.Errorf("postgres store: %s: %w", op, err)
}

// isUnavailable reports whether err is a transport-level failure: a refused
// or dropped connection, a network timeout, or the server shutting down.
func isUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions; 57P01-57P03 cover server
		// shutdown and connection refusal.
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Requests that never reached the server, such as a failed pool
	// acquisition.
	return pgconn.SafeToRetry(err)
}
