package storage

import (
	"context"
	"time"

	"ssb-archive/pkg/models"
)

// ClaimStore tracks which normalized references have been claimed by the scheduler
type ClaimStore interface {
	// MarkVisited claims key. Returns true if this call claimed it, false if it was already claimed.
	MarkVisited(key string) (bool, error)

	// CheckStatus returns the stored status of key (PageStatusNotFound when never claimed)
	CheckStatus(key string) (models.PageStatus, *models.PageDBEntry, error)

	// UpdateStatus records the outcome of processing key
	UpdateStatus(key string, entry *models.PageDBEntry) error
}

// StoreAdmin handles lifecycle and reporting
type StoreAdmin interface {
	// GetVisitedCount returns the number of claimed keys
	GetVisitedCount() (int, error)

	// CountByStatus tallies stored entries by status; claimed keys without an entry count as pending
	CountByStatus() (map[models.PageStatus]int, error)

	// WriteVisitedLog writes every claimed key, one per line, to filePath
	WriteVisitedLog(filePath string) error

	// RunGC runs periodic value log garbage collection until ctx is done
	RunGC(ctx context.Context, interval time.Duration)

	Close() error
}

// VisitedStore combines both interfaces for the crawler
type VisitedStore interface {
	ClaimStore
	StoreAdmin
}
