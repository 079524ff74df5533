// Package db persists bridge state in badger under flat string-prefixed
// namespaces:
//
//	pendingBatches/{store}/{id}
//	refundAmount/{addr}/{token}
//	tokenWhitelist/{token}
//	action_data/{id}
//	actionSigners/{id}
//	amountStaked/{addr}
//	pendingCalls/{id}
//	chainSpecificToUniversalMapping/{token}
//
// The chainSpecificToUniversalMapping prefix is read cross-component and
// must remain addressable by that name.
package db

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storedRecordsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fedbridge_db_stored_records_total",
		Help: "Total number of records written to the database, grouped by namespace",
	}, []string{"namespace"})

var ErrNotFound = errors.New("requested record not found in store")

type Database struct {
	db *badger.DB
}

// Open opens (or creates) the database at the given path.
func Open(path string) (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Database{db: db}, nil
}

// OpenInMemory opens an ephemeral database. Tests only.
func OpenInMemory() *Database {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		panic(err)
	}
	return &Database{db: db}
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) put(namespace string, key, value []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	storedRecordsTotal.WithLabelValues(namespace).Inc()
	return nil
}

func (d *Database) delete(key []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (d *Database) get(key []byte) ([]byte, error) {
	var value []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// scanPrefix calls fn with a copy of every (key, value) under prefix.
func (d *Database) scanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}
