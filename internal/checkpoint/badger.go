package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

var keyPrefix = []byte("checkpoint/")

// BadgerLedger implements Ledger on an embedded badger database.
type BadgerLedger struct {
	db     *badger.DB
	logger zerolog.Logger
}

// NewBadgerLedger opens (or creates) a ledger in dir. An empty dir keeps
// the database in memory.
func NewBadgerLedger(dir string, logger zerolog.Logger) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger ledger: %w", err)
	}
	return &BadgerLedger{
		db:     db,
		logger: logger.With().Str("component", "checkpoint").Str("backend", "badger").Logger(),
	}, nil
}

func checkpointKey(version uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, version))
}

// Save stores record under its zero-padded version so keys sort by version.
func (b *BadgerLedger) Save(_ context.Context, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	key := checkpointKey(record.Version)

	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return ErrConflict
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	b.logger.Debug().Uint64("version", record.Version).Int("bytes", len(data)).Msg("Saved checkpoint")
	return nil
}

// Latest returns the checkpoint with the highest version.
func (b *BadgerLedger) Latest(_ context.Context) (Record, error) {
	var record Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xff sorts after every digit, so a reverse seek lands on the
		// largest version.
		it.Seek(append(append([]byte(nil), keyPrefix...), 0xff))
		if !it.ValidForPrefix(keyPrefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	return record, nil
}

// Close closes the database.
func (b *BadgerLedger) Close() error {
	return b.db.Close()
}
