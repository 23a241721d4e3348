package checkpoint

import (
	"errors"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"
)

// BadgerStore keeps snapshots in a BadgerDB instance.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database at dir. With inMemory set
// dir is ignored and nothing touches disk.
func OpenBadger(dir string, inMemory bool, log logrus.FieldLogger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Snapshots are rewritten wholesale, one version per key is enough.
	opts = opts.WithNumVersionsToKeep(1).WithSyncWrites(true)
	if log != nil {
		opts = opts.WithLogger(log)
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Load(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *BadgerStore) Save(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
