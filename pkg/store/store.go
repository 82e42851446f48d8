/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store is the sole owner of durable state. All cross-process
// coordination (cycle transitions, submission leasing, rate limiting) happens
// through its transactions; components hold only transient copies.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"k8s.io/utils/clock"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	// DefaultRateLimit is the number of accepted submissions per miner per
	// rolling hour
	DefaultRateLimit = 4

	// rateBucket is the granularity of the sliding-window counters
	rateBucket = time.Minute

	defaultMaxOpenConns = 16
)

type Store struct {
	db        *sqlx.DB
	clock     clock.Clock
	rateLimit int
}

type Option func(*Store)

// WithClock overrides the wall clock, for tests
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// WithRateLimit overrides the per-miner hourly admission budget
func WithRateLimit(n int) Option {
	return func(s *Store) { s.rateLimit = n }
}

// New connects to the database and returns a Store. The connection pool is
// sized per component; callers sharing a process share the pool.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database, %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an existing connection, for tests and pool sharing
func NewWithDB(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		clock:     clock.RealClock{},
		rateLimit: DefaultRateLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies all pending schema migrations
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect, %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations, %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction, %w", err)
	}
	return nil
}
