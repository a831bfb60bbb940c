package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"ssb-archive/pkg/log"
	"ssb-archive/pkg/models"
	"ssb-archive/pkg/utils"
)

const (
	refKeyPrefix = "ref:"        // Prefix for normalized reference keys
	visitedDBDir = "visited_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements VisitedStore using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context
	keyCount atomic.Int64
}

// NewBadgerStore opens a fresh store for one run. An empty stateDir keeps the store in memory;
// otherwise any state left in stateDir by an earlier run against the same host is removed.
func NewBadgerStore(ctx context.Context, stateDir, host string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log: logger,
		ctx: ctx,
	}
	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))

	var opts badger.Options
	if stateDir == "" {
		logger.Debug("Initializing in-memory visited store")
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(stateDir, utils.SanitizeFilename(host)+"_"+visitedDBDir)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove previous state directory %s: %v", dbPath, err)
		}
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
		}
		logger.Infof("Initializing visited store at: %s", dbPath)
		opts = badger.DefaultOptions(dbPath)
	}
	opts = opts.WithLogger(badgerLogger).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", utils.ErrDatabase, err)
	}
	store.db = db
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate retries db.Update on transaction conflicts, which resolve in microseconds
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// MarkVisited implements ClaimStore. The check and insert run in one transaction,
// so exactly one caller claims each key.
func (s *BadgerStore) MarkVisited(key string) (bool, error) {
	claimed := false
	dbKey := []byte(refKeyPrefix + key)

	err := s.dbUpdate(func(txn *badger.Txn) error {
		claimed = false
		_, errGet := txn.Get(dbKey)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			if errSet := txn.SetEntry(badger.NewEntry(dbKey, []byte{})); errSet != nil {
				return errSet
			}
			claimed = true
			return nil
		}
		return errGet
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error in MarkVisited: %v", err)
		return false, fmt.Errorf("%w: marking '%s': %w", utils.ErrDatabase, key, err)
	}
	if claimed {
		s.keyCount.Add(1)
	}
	return claimed, nil
}

// CheckStatus implements ClaimStore
func (s *BadgerStore) CheckStatus(key string) (models.PageStatus, *models.PageDBEntry, error) {
	status := models.PageStatusNotFound
	var entry *models.PageDBEntry
	dbKey := []byte(refKeyPrefix + key)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(dbKey)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting '%s': %w", utils.ErrDatabase, key, errGet)
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				status = models.PageStatusPending
				return nil
			}
			var decoded models.PageDBEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				s.log.Warnf("Failed to unmarshal entry for '%s': %v. Treating as 'pending'.", key, errJSON)
				status = models.PageStatusPending
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in CheckStatus for '%s': %v", key, errView)
		return models.PageStatusDBError, nil, errView
	}
	return status, entry, nil
}

// UpdateStatus implements ClaimStore
func (s *BadgerStore) UpdateStatus(key string, entry *models.PageDBEntry) error {
	if !entry.Status.IsValid() {
		return fmt.Errorf("%w: refusing to store status '%s' for '%s'", utils.ErrDatabase, entry.Status, key)
	}
	dbKey := []byte(refKeyPrefix + key)

	entryBytes, errJSON := json.Marshal(entry)
	if errJSON != nil {
		return fmt.Errorf("%w: failed to marshal entry for '%s': %w", utils.ErrParsing, key, errJSON)
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(dbKey)
		isNew = errors.Is(errGet, badger.ErrKeyNotFound)
		return txn.SetEntry(badger.NewEntry(dbKey, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error in UpdateStatus: %v", err)
		return fmt.Errorf("%w: failed setting status for '%s': %w", utils.ErrDatabase, key, err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	s.log.Debugf("Updated status for '%s' to '%s'", key, entry.Status)
	return nil
}

// GetVisitedCount implements StoreAdmin from a counter maintained on writes
func (s *BadgerStore) GetVisitedCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// CountByStatus implements StoreAdmin
func (s *BadgerStore) CountByStatus() (map[models.PageStatus]int, error) {
	counts := make(map[models.PageStatus]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(refKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			errValue := it.Item().Value(func(val []byte) error {
				if len(val) == 0 {
					counts[models.PageStatusPending]++
					return nil
				}
				var entry models.PageDBEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					counts[models.PageStatusPending]++
					return nil
				}
				counts[entry.Status]++
				return nil
			})
			if errValue != nil {
				return errValue
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: counting statuses: %w", utils.ErrDatabase, err)
	}
	return counts, nil
}

// RunGC implements StoreAdmin. In-memory stores have no value log and return immediately.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if s.db.Opts().InMemory {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// WriteVisitedLog implements StoreAdmin
func (s *BadgerStore) WriteVisitedLog(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var writeErr error
	written := 0

	iterErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(refKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := s.ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)[len(refKeyPrefix):]
			if _, err := writer.WriteString(string(key) + "\n"); err != nil && writeErr == nil {
				writeErr = err
			}
			written++
		}
		return nil
	})

	if flushErr := writer.Flush(); flushErr != nil && writeErr == nil {
		writeErr = flushErr
	}
	if iterErr != nil {
		return iterErr
	}
	if writeErr != nil {
		return fmt.Errorf("%w: writing visited log '%s': %w", utils.ErrFilesystem, filePath, writeErr)
	}
	s.log.Infof("Wrote %d references to visited log: %s", written, filePath)
	return nil
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing visited DB: %v", err)
		return err
	}
	s.log.Debug("Visited DB closed.")
	return nil
}
