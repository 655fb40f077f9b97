// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/samber/oops"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS extension_descriptors (
	id         TEXT PRIMARY KEY,
	descriptor BLOB NOT NULL
)`

// SQLite stores descriptors in a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errOpenFailed(DriverSQLite, err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errOpenFailed(DriverSQLite, err)
	}
	return &SQLite{db: db}, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, id string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extension_descriptors (id, descriptor) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET descriptor = excluded.descriptor`,
		id, value)
	if err != nil {
		return oops.With("operation", "put descriptor").With("id", id).Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, id string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM extension_descriptors WHERE id = ?`, id).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, oops.With("operation", "get descriptor").With("id", id).Wrap(err)
	}
	return value, true, nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, id string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM extension_descriptors WHERE id = ? RETURNING descriptor`, id).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, oops.With("operation", "delete descriptor").With("id", id).Wrap(err)
	}
	return value, true, nil
}

// Iterate implements Store.
func (s *SQLite) Iterate(ctx context.Context, fn func(id string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, descriptor FROM extension_descriptors ORDER BY id`)
	if err != nil {
		return oops.With("operation", "list descriptors").Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	// Collect first: fn may call back into the store, and there is only one connection.
	type row struct {
		id    string
		value []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.value); err != nil {
			return oops.With("operation", "scan descriptor row").Wrap(err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return oops.With("operation", "iterate descriptors").Wrap(err)
	}
	_ = rows.Close()

	for _, r := range all {
		if err := fn(r.id, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return oops.With("operation", "close sqlite").Wrap(err)
	}
	return nil
}
