package ddbstate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
)

// BadgerOptions configures the BadgerDB state store.
type BadgerOptions struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// InMemory forces in-memory mode even if Path is set.
	InMemory bool
	// Logger for BadgerDB. If nil, logging is disabled.
	Logger badger.Logger
}

// Badger stores the history of one table in a BadgerDB database. Several
// tables may share a database. Values are snappy compressed JSON.
//
// Keys:
//
//	migrate/<table>/head          sequence number of the latest state
//	migrate/<table>/state/<seq>   state, seq big-endian so keys sort by age
type Badger struct {
	db    *badger.DB
	table string
	owned bool
}

// OpenBadger opens a database and returns a store for tableName. Close
// closes the database.
func OpenBadger(opts BadgerOptions, tableName string) (*Badger, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" || opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Badger{db: db, table: tableName, owned: true}, nil
}

// NewBadger returns a store for tableName on an open database. Close does
// not close db.
func NewBadger(db *badger.DB, tableName string) *Badger {
	return &Badger{db: db, table: tableName}
}

func (b *Badger) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

func (b *Badger) headKey() []byte {
	return []byte("migrate/" + b.table + "/head")
}

func (b *Badger) statePrefix() []byte {
	return []byte("migrate/" + b.table + "/state/")
}

func (b *Badger) stateKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(b.statePrefix(), seq)
}

// head returns the sequence number of the latest state, 0 if none.
func (b *Badger) head(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(b.headKey())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt head for %s", b.table)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

func (b *Badger) load(txn *badger.Txn, seq uint64) (*migrate.State, error) {
	item, err := txn.Get(b.stateKey(seq))
	if err != nil {
		return nil, fmt.Errorf("read state %d: %w", seq, err)
	}
	var s *migrate.State
	err = item.Value(func(val []byte) error {
		s, err = decodeCompressed(val)
		return err
	})
	return s, err
}

func (b *Badger) GetState(context.Context) (*migrate.State, error) {
	var s *migrate.State
	err := b.db.View(func(txn *badger.Txn) error {
		seq, err := b.head(txn)
		if err != nil || seq == 0 {
			return err
		}
		s, err = b.load(txn, seq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", b.table, err)
	}
	return s, nil
}

// SaveState appends s. Badger transactions are optimistic: a concurrent
// save of the same table fails with badger.ErrConflict, reported as
// ErrConflict.
func (b *Badger) SaveState(_ context.Context, s *migrate.State) error {
	data, err := encodeState(s)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		seq, err := b.head(txn)
		if err != nil {
			return err
		}
		var head *migrate.State
		if seq > 0 {
			if head, err = b.load(txn, seq); err != nil {
				return err
			}
		}
		if err := checkHead(head, s); err != nil {
			return err
		}
		next := seq + 1
		if err := txn.Set(b.stateKey(next), snappy.Encode(nil, data)); err != nil {
			return err
		}
		return txn.Set(b.headKey(), binary.BigEndian.AppendUint64(nil, next))
	})
	if errors.Is(err, badger.ErrConflict) {
		err = fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if err != nil {
		return fmt.Errorf("save state %s: %w", b.table, err)
	}
	return nil
}

func (b *Badger) GetHistory(context.Context) ([]*migrate.State, error) {
	var out []*migrate.State
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.statePrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				s, err := decodeCompressed(val)
				if err != nil {
					return err
				}
				out = append(out, s)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", b.table, err)
	}
	return out, nil
}

func decodeCompressed(val []byte) (*migrate.State, error) {
	data, err := snappy.Decode(nil, val)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	return decodeState(data)
}
