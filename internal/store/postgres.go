// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// poolIface is the subset of *pgxpool.Pool the store uses. pgxmock's pool
// satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres stores descriptors in a PostgreSQL table.
type Postgres struct {
	pool poolIface
}

// connectBackoff bounds how long OpenPostgres waits for the server.
var connectBackoff = func() retry.Backoff {
	return retry.WithMaxDuration(30*time.Second, retry.NewExponential(250*time.Millisecond))
}

// OpenPostgres connects to dsn, retrying while the server comes up, and
// applies the schema migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errOpenFailed(DriverPostgres, err)
	}

	err = retry.Do(ctx, connectBackoff(), func(ctx context.Context) error {
		err := pool.Ping(ctx)
		if err == nil || !retryableConnectError(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		pool.Close()
		return nil, errOpenFailed(DriverPostgres, err)
	}

	m, err := NewMigrator(dsn)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer func() { _ = m.Close() }()
	version, err := m.Apply()
	if err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("descriptor schema ready", "driver", DriverPostgres, "version", version)

	return NewPostgres(pool), nil
}

// retryableConnectError reports whether waiting could fix err. Bad
// credentials or a missing database will not go away by themselves.
func retryableConnectError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return true
	}
	return !pgerrcode.IsInvalidAuthorizationSpecification(pgErr.Code) &&
		!pgerrcode.IsInvalidCatalogName(pgErr.Code)
}

// NewPostgres wraps an existing pool. The schema must already exist.
func NewPostgres(pool poolIface) *Postgres {
	return &Postgres{pool: pool}
}

// Put implements Store.
func (s *Postgres) Put(ctx context.Context, id string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extension_descriptors (id, descriptor)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET descriptor = $2, updated_at = now()`,
		id, string(value))
	if err != nil {
		return oops.With("operation", "put descriptor").With("id", id).Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *Postgres) Get(ctx context.Context, id string) ([]byte, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT descriptor FROM extension_descriptors WHERE id = $1`, id).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, oops.With("operation", "get descriptor").With("id", id).Wrap(err)
	}
	return []byte(value), true, nil
}

// Delete implements Store.
func (s *Postgres) Delete(ctx context.Context, id string) ([]byte, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM extension_descriptors WHERE id = $1 RETURNING descriptor`, id).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, oops.With("operation", "delete descriptor").With("id", id).Wrap(err)
	}
	return []byte(value), true, nil
}

// Iterate implements Store.
func (s *Postgres) Iterate(ctx context.Context, fn func(id string, value []byte) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, descriptor FROM extension_descriptors ORDER BY id`)
	if err != nil {
		return oops.With("operation", "list descriptors").Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return oops.With("operation", "scan descriptor row").Wrap(err)
		}
		if err := fn(id, []byte(value)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return oops.With("operation", "iterate descriptors").Wrap(err)
	}
	return nil
}

// Close implements Store.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
