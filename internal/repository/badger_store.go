package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "doc/"

// BadgerStore keeps document snapshots in an embedded BadgerDB directory
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the store in dir.
// An empty dir opens a throwaway in-memory store.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %q: %w", dir, err)
	}

	log.Printf("✓ Badger persistence opened: %s", dir)
	return &BadgerStore{db: db}, nil
}

func badgerKey(name string) []byte {
	return []byte(badgerKeyPrefix + name)
}

// LoadState returns the stored snapshot for name, or nil if none exists
func (s *BadgerStore) LoadState(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snapshot []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(name))
		if err != nil {
			return err
		}
		snapshot, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", name, err)
	}
	return snapshot, nil
}

// WriteState replaces the stored snapshot for name
func (s *BadgerStore) WriteState(ctx context.Context, name string, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(name), snapshot)
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", name, err)
	}
	return nil
}

// Names lists every stored document name
func (s *BadgerStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(badgerKeyPrefix):]))
		}
		return nil
	})
	return names, err
}

// Close flushes and closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
