// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/samber/oops"
)

// LevelDB stores descriptors in an embedded LevelDB database.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens or creates the database directory at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, errOpenFailed(DriverLevelDB, err)
	}
	return &LevelDB{db: db}, nil
}

// Put implements Store.
func (s *LevelDB) Put(_ context.Context, id string, value []byte) error {
	if err := s.db.Put([]byte(id), value, &opt.WriteOptions{Sync: true}); err != nil {
		return oops.With("operation", "put descriptor").With("id", id).Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *LevelDB) Get(_ context.Context, id string) ([]byte, bool, error) {
	value, err := s.db.Get([]byte(id), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, oops.With("operation", "get descriptor").With("id", id).Wrap(err)
	}
	return value, true, nil
}

// Delete implements Store.
func (s *LevelDB) Delete(ctx context.Context, id string) ([]byte, bool, error) {
	value, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := s.db.Delete([]byte(id), &opt.WriteOptions{Sync: true}); err != nil {
		return nil, false, oops.With("operation", "delete descriptor").With("id", id).Wrap(err)
	}
	return value, true, nil
}

// Iterate implements Store. Keys come back in byte order.
func (s *LevelDB) Iterate(ctx context.Context, fn func(id string, value []byte) error) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // context errors are compared by callers
		}
		// The iterator reuses its buffers.
		value := append([]byte(nil), iter.Value()...)
		if err := fn(string(iter.Key()), value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return oops.With("operation", "iterate descriptors").Wrap(err)
	}
	return nil
}

// Close implements Store.
func (s *LevelDB) Close() error {
	if err := s.db.Close(); err != nil {
		return oops.With("operation", "close leveldb").Wrap(err)
	}
	return nil
}
