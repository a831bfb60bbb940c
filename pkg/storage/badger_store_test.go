package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssb-archive/pkg/models"
	"ssb-archive/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(context.Background(), "", "localhost:3000", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewBadgerStore_OnDiskStartsFresh(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewBadgerStore(ctx, dir, "localhost:3000", testLogger())
	require.NoError(t, err)
	_, err = first.MarkVisited("/author/x")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), "_visited_db"))

	second, err := NewBadgerStore(ctx, dir, "localhost:3000", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	status, _, err := second.CheckStatus("/author/x")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusNotFound, status, "each run starts with an empty store")
}

func TestMarkVisited(t *testing.T) {
	store := newTestStore(t)

	claimed, err := store.MarkVisited("/author/x")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.MarkVisited("/author/x")
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = store.MarkVisited("/author/x?page=2")
	require.NoError(t, err)
	count, err := store.GetVisitedCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMarkVisited_ConcurrentClaimsOnce(t *testing.T) {
	store := newTestStore(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.MarkVisited("/thread/shared")
			assert.NoError(t, err)
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestCheckAndUpdateStatus(t *testing.T) {
	store := newTestStore(t)

	status, entry, err := store.CheckStatus("/missing")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusNotFound, status)
	assert.Nil(t, entry)

	_, err = store.MarkVisited("/author/x")
	require.NoError(t, err)
	status, entry, err = store.CheckStatus("/author/x")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusPending, status, "claimed keys start pending")
	assert.Nil(t, entry)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateStatus("/author/x", &models.PageDBEntry{
		Status:      models.PageStatusSuccess,
		Kind:        models.KindHTML,
		LocalPath:   "author/@x.html",
		ContentHash: "abc",
		ProcessedAt: now,
		LastAttempt: now,
		Depth:       1,
	}))

	status, entry, err = store.CheckStatus("/author/x")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusSuccess, status)
	require.NotNil(t, entry)
	assert.Equal(t, "author/@x.html", entry.LocalPath)
	assert.Equal(t, 1, entry.Depth)
	assert.True(t, now.Equal(entry.ProcessedAt))

	count, _ := store.GetVisitedCount()
	assert.Equal(t, 1, count, "updating a claimed key does not change the count")

	err = store.UpdateStatus("/author/x", &models.PageDBEntry{Status: models.PageStatusNotFound})
	assert.ErrorIs(t, err, utils.ErrDatabase, "lookup-only statuses are never persisted")
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)

	for _, k := range []string{"/a", "/b", "/c", "/d"} {
		_, err := store.MarkVisited(k)
		require.NoError(t, err)
	}
	require.NoError(t, store.UpdateStatus("/a", &models.PageDBEntry{Status: models.PageStatusSuccess}))
	require.NoError(t, store.UpdateStatus("/b", &models.PageDBEntry{Status: models.PageStatusSuccess}))
	require.NoError(t, store.UpdateStatus("/c", &models.PageDBEntry{Status: models.PageStatusFailure, ErrorType: "HTTP_404"}))

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.PageStatusSuccess])
	assert.Equal(t, 1, counts[models.PageStatusFailure])
	assert.Equal(t, 1, counts[models.PageStatusPending])
}

func TestWriteVisitedLog(t *testing.T) {
	store := newTestStore(t)
	keys := []string{"/author/x", "/thread/y", "/assets/style.css"}
	for _, k := range keys {
		_, err := store.MarkVisited(k)
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "visited.txt")
	require.NoError(t, store.WriteVisitedLog(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	sort.Strings(lines)
	sort.Strings(keys)
	assert.Equal(t, keys, lines)
}

func TestRunGC_InMemoryReturns(t *testing.T) {
	store := newTestStore(t)
	done := make(chan struct{})
	go func() {
		store.RunGC(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunGC on an in-memory store should return immediately")
	}
}

func TestClose_Idempotent(t *testing.T) {
	store, err := NewBadgerStore(context.Background(), "", "h", testLogger())
	require.NoError(t, err)
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
