package walletstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"decred.org/hdwallet-core/walletlog"
)

// logWrapper adapts a walletlog.Logger to badger.Logger, the way dcrdex's
// BadgerTxDB wraps its dex.Logger for the same purpose, lowering Infof to
// Debugf since badger is chattier than the wallet cares to surface.
type logWrapper struct {
	log walletlog.Logger
}

func (w *logWrapper) Errorf(f string, args ...interface{})   { w.log.Errorf(f, args...) }
func (w *logWrapper) Warningf(f string, args ...interface{}) { w.log.Warnf(f, args...) }
func (w *logWrapper) Infof(f string, args ...interface{})    { w.log.Debugf(f, args...) }
func (w *logWrapper) Debugf(f string, args ...interface{})   { w.log.Tracef(f, args...) }

var _ badger.Logger = (*logWrapper)(nil)

// BadgerStore is a Store backed by a single badger database. Each named
// Instance is a key prefix within that database, so a single file handle
// serves every namespace the wallet core needs (addr, tx-history,
// broadcasted, cache).
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if absent) a badger database at path. Pass
// "" for an in-memory database, useful for tests.
func OpenBadgerStore(path string, log walletlog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(&logWrapper{log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("walletstore: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Instance returns a prefixed view into the shared badger database.
func (s *BadgerStore) Instance(name string) (Instance, error) {
	if name == "" {
		return nil, errors.New("walletstore: instance name required")
	}
	return &badgerInstance{db: s.db, prefix: append([]byte(name), ':')}, nil
}

type badgerInstance struct {
	db     *badger.DB
	prefix []byte
}

func (i *badgerInstance) prefixed(key []byte) []byte {
	out := make([]byte, 0, len(i.prefix)+len(key))
	out = append(out, i.prefix...)
	out = append(out, key...)
	return out
}

func (i *badgerInstance) Get(key []byte) ([]byte, error) {
	var out []byte
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(i.prefixed(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (i *badgerInstance) Put(key, value []byte) error {
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(i.prefixed(key), value)
	})
}

func (i *badgerInstance) Delete(key []byte) error {
	return i.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(i.prefixed(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (i *badgerInstance) Entries(rng Range, fn EntryFunc) error {
	return i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = i.prefix
		opts.Reverse = rng.Reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		var start []byte
		if rng.Reverse {
			if rng.Lt != nil {
				// badger's reverse Seek lands on the largest key <= start;
				// a key equal to the exclusive Lt is skipped below.
				start = i.prefixed(rng.Lt)
			} else {
				start = append(append([]byte{}, i.prefix...), 0xff)
			}
		} else if rng.Gt != nil {
			start = i.prefixed(rng.Gt)
		} else {
			start = i.prefix
		}

		for it.Seek(start); it.ValidForPrefix(i.prefix); it.Next() {
			item := it.Item()
			full := item.KeyCopy(nil)
			key := full[len(i.prefix):]
			if rng.Gt != nil && bytes.Compare(key, rng.Gt) < 0 {
				continue
			}
			if rng.Lt != nil && bytes.Compare(key, rng.Lt) >= 0 {
				if rng.Reverse {
					continue
				}
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(key, val) {
				return nil
			}
		}
		return nil
	})
}

func (i *badgerInstance) Clear() error {
	return i.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = i.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Seek(i.prefix); it.ValidForPrefix(i.prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
