// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store persists extension descriptors.
//
// A descriptor is an opaque byte value keyed by extension id. Three drivers
// are available: an embedded LevelDB database (the default), SQLite, and
// PostgreSQL for hosts that already run one.
package store

import (
	"context"
	"errors"

	"github.com/samber/oops"
)

// Store is a durable id to descriptor map.
type Store interface {
	// Put creates or replaces the descriptor for id.
	Put(ctx context.Context, id string, value []byte) error
	// Get returns the descriptor for id. ok is false if there is none.
	Get(ctx context.Context, id string) (value []byte, ok bool, err error)
	// Delete removes id and returns the descriptor it held.
	Delete(ctx context.Context, id string) (value []byte, ok bool, err error)
	// Iterate calls fn for every entry in id order. Returning an error from
	// fn stops the iteration and is returned unchanged.
	Iterate(ctx context.Context, fn func(id string, value []byte) error) error
	Close() error
}

// Driver names.
const (
	DriverLevelDB  = "leveldb"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Error codes for store failures.
const (
	CodeUnknownDriver = "UNKNOWN_DRIVER"
	CodeOpenFailed    = "STORE_OPEN_FAILED"
)

// Sentinel errors for programmatic error checking.
var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrOpenFailed    = errors.New("cannot open store")
)

// Config selects and locates a store.
type Config struct {
	Driver string
	// Path is the database directory (leveldb) or file (sqlite).
	Path string
	// DSN is the connection string for postgres.
	DSN string
}

// Open opens the store described by cfg. An empty driver means leveldb.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverLevelDB:
		return OpenLevelDB(cfg.Path)
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, oops.Code(CodeUnknownDriver).
			With("driver", cfg.Driver).
			Wrap(ErrUnknownDriver)
	}
}

func errOpenFailed(driver string, cause error) error {
	return oops.Code(CodeOpenFailed).
		With("driver", driver).
		Wrapf(ErrOpenFailed, "%v", cause)
}
