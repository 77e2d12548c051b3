package checkpoints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	pkgerrors "github.com/pkg/errors"
)

const badgerKeyPrefix = "checkpoint/"

// BadgerStore keeps checkpoint records in an embedded BadgerDB living in the
// checkpoint directory. Each Save is a single transaction.
//
// Call Close when done; the database holds a directory lock.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures NewBadgerStore.
type BadgerOptions struct {
	// InMemory skips the disk entirely. Dir is ignored.
	InMemory bool
	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore opens (creating if needed) a BadgerDB at dir.
func NewBadgerStore(dir string, opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(dir) == "" {
			return nil, errors.New("checkpoint directory is required")
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, pkgerrors.Wrapf(err, "create checkpoint directory %s", dir)
		}
		bopts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open badger checkpoint store")
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(taskID string) []byte {
	return []byte(badgerKeyPrefix + taskID)
}

func (s *BadgerStore) Save(ctx context.Context, taskID string, value any) error {
	if err := checkTaskID(taskID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeRecord(taskID, value)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(taskID), data)
	})
	return pkgerrors.Wrapf(err, "write checkpoint for task %s", taskID)
}

func (s *BadgerStore) Load(ctx context.Context, taskID string) (any, bool, error) {
	if err := checkTaskID(taskID); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(taskID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "read checkpoint for task %s", taskID)
	}

	value, err := decodeRecord(taskID, data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *BadgerStore) Exists(ctx context.Context, taskID string) (bool, error) {
	if err := checkTaskID(taskID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(taskID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "stat checkpoint for task %s", taskID)
	}
	return true, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	prefix := []byte(badgerKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			ids = append(ids, strings.TrimPrefix(key, badgerKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list checkpoints")
	}
	// Badger iterates in key order, which is already sorted.
	return ids, nil
}

func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pkgerrors.Wrap(s.db.DropPrefix([]byte(badgerKeyPrefix)), "clear checkpoints")
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
