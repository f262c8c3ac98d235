package memtable

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	flushmanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/flush_manager"
	pagemanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func openBufferPoolManager(t *testing.T, path string, poolSize int) *BufferPoolManager {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := flushmanager.NewDiskManager(path, logger)
	require.NoError(t, err)
	bpm, err := NewBufferPoolManager("table1", poolSize, dm, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bpm.Close() })
	return bpm
}

func setupBufferPoolManager(t *testing.T, poolSize int) (*BufferPoolManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table1.db")
	return openBufferPoolManager(t, path, poolSize), path
}

// fetchAndRelease pins and immediately unpins each page, in order.
func fetchAndRelease(t *testing.T, bpm *BufferPoolManager, ids ...pagemanager.PageID) {
	t.Helper()
	for _, id := range ids {
		h, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, h.Release())
	}
}

func appendRecord(t *testing.T, h *PageHandle, rec string) uint16 {
	t.Helper()
	h.Lock()
	defer h.Unlock()
	slot, err := h.Page().AppendRecord([]byte(rec))
	require.NoError(t, err)
	h.MarkDirty()
	return slot
}

func readFromDisk(t *testing.T, path string, id pagemanager.PageID) *pagemanager.Page {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	off := int(id) * pagemanager.PageSize
	require.GreaterOrEqual(t, len(raw), off+pagemanager.PageSize)
	var p pagemanager.Page
	require.NoError(t, p.FromBytes(raw[off:off+pagemanager.PageSize]))
	return &p
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}

// --- Test Cases ---

func TestNewBufferPoolManager_InvalidConfig(t *testing.T) {
	_, err := NewBufferPoolManager("table1", 0, nil, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidPoolConfig)

	_, err = NewBufferPoolManager("table1", 3, nil, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidPoolConfig)
}

func TestBufferPoolManager_EvictsLeastRecentlyUsed(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 3)

	// Fill the pool.
	fetchAndRelease(t, bpm, 0, 1, 2)
	require.Equal(t, []pagemanager.PageID{0, 1, 2}, bpm.EvictionOrder())

	// A fourth page pushes out page 0.
	h, err := bpm.FetchPage(3)
	require.NoError(t, err)
	require.False(t, bpm.IsResident(0))
	require.Equal(t, []pagemanager.PageID{1, 2, 3}, bpm.ResidentPageIDs())
	require.Equal(t, []pagemanager.PageID{1, 2}, bpm.EvictionOrder())

	require.NoError(t, h.Release())
	require.Equal(t, []pagemanager.PageID{1, 2, 3}, bpm.EvictionOrder())

	stats := bpm.GetStats()
	require.Equal(t, uint64(1), stats.Evictions)
	require.Equal(t, uint64(4), stats.Misses)
	require.Equal(t, 3, stats.ResidentPages)
}

func TestBufferPoolManager_HitRefreshesRecency(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 3)

	fetchAndRelease(t, bpm, 0, 1, 2)
	fetchAndRelease(t, bpm, 0)
	require.Equal(t, []pagemanager.PageID{1, 2, 0}, bpm.EvictionOrder())

	fetchAndRelease(t, bpm, 3)
	require.False(t, bpm.IsResident(1))
	require.True(t, bpm.IsResident(0))
	require.Equal(t, []pagemanager.PageID{2, 0, 3}, bpm.EvictionOrder())

	stats := bpm.GetStats()
	require.Equal(t, uint64(1), stats.Hits)
	require.InDelta(t, 0.2, stats.HitRate(), 1e-9)
}

func TestBufferPoolManager_FetchExtendsFile(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 3)
	require.Equal(t, int64(0), fileSize(t, path))

	h, err := bpm.FetchPage(5)
	require.NoError(t, err)
	defer h.Release()

	require.Equal(t, int64(6*pagemanager.PageSize), fileSize(t, path))
	p := h.Page()
	require.Equal(t, pagemanager.PageID(5), p.GetPageID())
	require.Equal(t, pagemanager.PageTypeHeap, p.GetPageType())
	require.Equal(t, uint16(0), p.GetRowCount())
}

func TestBufferPoolManager_ZeroFilledPageIsInitialized(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 3)

	// Page 5 extends the file; page 2 is now a zero-filled hole.
	fetchAndRelease(t, bpm, 5)
	h, err := bpm.FetchPage(2)
	require.NoError(t, err)
	defer h.Release()

	require.Equal(t, pagemanager.PageID(2), h.Page().GetPageID())
	require.Equal(t, pagemanager.PageTypeHeap, h.Page().GetPageType())
}

func TestBufferPoolManager_PersistsAcrossReopen(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 3)

	// Phase 1: write a record and flush it.
	h, err := bpm.FetchPage(0)
	require.NoError(t, err)
	slot := appendRecord(t, h, "hello")
	require.Equal(t, uint16(0), slot)
	require.NoError(t, h.Release())
	require.NoError(t, bpm.FlushPage(0))
	require.NoError(t, bpm.Close())

	// Phase 2: a new pool over the same file sees it.
	bpm2 := openBufferPoolManager(t, path, 3)
	h, err = bpm2.FetchPage(0)
	require.NoError(t, err)
	defer h.Release()

	require.Equal(t, uint16(1), h.Page().GetRowCount())
	rec, err := h.Page().ReadRecord(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), rec)
}

func TestBufferPoolManager_ExhaustedWhenAllPinned(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 1)

	h0, err := bpm.FetchPage(0)
	require.NoError(t, err)

	_, err = bpm.FetchPage(1)
	require.ErrorIs(t, err, flushmanager.ErrPoolExhausted)
	require.True(t, bpm.IsResident(0))
	require.False(t, bpm.IsResident(1))
	require.Equal(t, uint64(1), bpm.GetStats().Exhausted)

	// Once unpinned, page 0 can make room.
	require.NoError(t, h0.Release())
	h1, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, h1.Release())
	require.False(t, bpm.IsResident(0))
}

func TestBufferPoolManager_PinnedPageNeverEvicted(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 2)

	pinned, err := bpm.FetchPage(0)
	require.NoError(t, err)
	defer pinned.Release()

	for id := pagemanager.PageID(1); id < 10; id++ {
		fetchAndRelease(t, bpm, id)
		require.True(t, bpm.IsResident(0))
		require.NotContains(t, bpm.EvictionOrder(), pagemanager.PageID(0))
	}
	count, ok := bpm.PinCount(0)
	require.True(t, ok)
	require.Equal(t, uint32(1), count)
	require.Equal(t, pagemanager.PageID(0), pinned.Page().GetPageID())
}

func TestBufferPoolManager_DirtyVictimIsWrittenBack(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 1)

	h, err := bpm.FetchPage(0)
	require.NoError(t, err)
	appendRecord(t, h, "dirty")
	require.NoError(t, h.Release())
	require.Equal(t, 1, bpm.GetStats().DirtyPages)

	fetchAndRelease(t, bpm, 1)
	require.Equal(t, uint64(1), bpm.GetStats().Flushes)

	p := readFromDisk(t, path, 0)
	require.Equal(t, uint16(1), p.GetRowCount())
	rec, err := p.ReadRecord(0)
	require.NoError(t, err)
	require.Equal(t, []byte("dirty"), rec)
}

func TestBufferPoolManager_CleanVictimWritesNothing(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 1)

	fetchAndRelease(t, bpm, 0, 1)
	require.Equal(t, uint64(0), bpm.GetStats().Flushes)
	require.Equal(t, uint64(1), bpm.GetStats().Evictions)

	// Page 0 was reserved but never written, so its image is still zero.
	require.True(t, readFromDisk(t, path, 0).IsUnused())
}

func TestBufferPoolManager_FlushIsIdempotent(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 2)

	h, err := bpm.FetchPage(0)
	require.NoError(t, err)
	appendRecord(t, h, "once")
	require.NoError(t, h.Release())

	require.NoError(t, bpm.FlushPage(0))
	require.NoError(t, bpm.FlushPage(0))
	require.NoError(t, bpm.FlushAllPages())
	require.Equal(t, uint64(1), bpm.GetStats().Flushes)
	require.Equal(t, 0, bpm.GetStats().DirtyPages)
}

func TestBufferPoolManager_FlushPinnedPageKeepsPin(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 2)

	h1, err := bpm.FetchPage(0)
	require.NoError(t, err)
	h2, err := bpm.FetchPage(0)
	require.NoError(t, err)
	appendRecord(t, h1, "pinned")
	require.NoError(t, h1.Release())

	require.NoError(t, bpm.FlushPage(0))
	count, ok := bpm.PinCount(0)
	require.True(t, ok)
	require.Equal(t, uint32(1), count)
	require.Equal(t, uint16(1), readFromDisk(t, path, 0).GetRowCount())
	require.NoError(t, h2.Release())
}

func TestBufferPoolManager_UnpinErrors(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 2)

	err := bpm.UnpinPage(7, false)
	require.ErrorIs(t, err, flushmanager.ErrNotResident)
	require.ErrorIs(t, bpm.FlushPage(7), flushmanager.ErrNotResident)

	_, err = bpm.FetchPage(0)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(0, false))
	require.ErrorIs(t, bpm.UnpinPage(0, false), flushmanager.ErrNotPinned)
}

func TestPageHandle_ReleaseOnce(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 2)

	h, err := bpm.FetchPage(4)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(4), h.PageID())
	require.Equal(t, "table1", h.Table())
	require.NotNil(t, h.Page())

	require.NoError(t, h.Release())
	require.Nil(t, h.Page())
	require.ErrorIs(t, h.Release(), flushmanager.ErrHandleReleased)

	count, ok := bpm.PinCount(4)
	require.True(t, ok)
	require.Equal(t, uint32(0), count)
}

func TestBufferPoolManager_WritePageCreatesAndPersists(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 2)

	require.NoError(t, bpm.WritePage(7))
	require.Equal(t, int64(8*pagemanager.PageSize), fileSize(t, path))

	p := readFromDisk(t, path, 7)
	require.Equal(t, pagemanager.PageID(7), p.GetPageID())
	require.Equal(t, pagemanager.PageTypeHeap, p.GetPageType())

	count, ok := bpm.PinCount(7)
	require.True(t, ok)
	require.Equal(t, uint32(0), count)
	require.Equal(t, []pagemanager.PageID{7}, bpm.EvictionOrder())

	// Resident and clean: nothing more to write.
	require.NoError(t, bpm.WritePage(7))
	require.Equal(t, uint64(1), bpm.GetStats().Flushes)
}

func TestBufferPoolManager_RejectsMisplacedPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table1.db")
	raw := make([]byte, 3*pagemanager.PageSize)
	copy(raw[2*pagemanager.PageSize:], pagemanager.NewPage(9, pagemanager.PageTypeHeap).ToBytes())
	require.NoError(t, os.WriteFile(path, raw, 0644))

	bpm := openBufferPoolManager(t, path, 2)
	_, err := bpm.FetchPage(2)
	require.ErrorIs(t, err, pagemanager.ErrInvalidPageData)
	require.False(t, bpm.IsResident(2))

	// The frame went back to the free list.
	fetchAndRelease(t, bpm, 0, 1)
	require.Equal(t, []pagemanager.PageID{0, 1}, bpm.ResidentPageIDs())
}

func TestBufferPoolManager_CloseFlushesPinnedPages(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 2)

	h1, err := bpm.FetchPage(3)
	require.NoError(t, err)
	h2, err := bpm.FetchPage(3)
	require.NoError(t, err)
	appendRecord(t, h1, "still pinned")
	require.NoError(t, h1.Release())

	require.NoError(t, bpm.Close())
	require.Equal(t, uint16(1), readFromDisk(t, path, 3).GetRowCount())

	_, err = bpm.FetchPage(3)
	require.ErrorIs(t, err, flushmanager.ErrPoolClosed)
	require.ErrorIs(t, h2.Release(), flushmanager.ErrPoolClosed)
	require.NoError(t, bpm.Close())
}

func TestBufferPoolManager_ConcurrentAccess(t *testing.T) {
	const (
		poolSize   = 4
		workers    = 8
		iterations = 200
		numPages   = 16
	)
	bpm, _ := setupBufferPoolManager(t, poolSize)

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations; i++ {
				id := pagemanager.PageID(rng.Intn(numPages))
				h, err := bpm.FetchPage(id)
				if errors.Is(err, flushmanager.ErrPoolExhausted) {
					continue
				}
				if err != nil {
					errCh <- err
					return
				}
				if h.Page().GetPageID() != id {
					errCh <- fmt.Errorf("handle for page %d holds page %d", id, h.Page().GetPageID())
					_ = h.Release()
					return
				}
				if rng.Intn(2) == 0 {
					h.Lock()
					_, appendErr := h.Page().AppendRecord([]byte{byte(seed), byte(i)})
					h.Unlock()
					if appendErr == nil {
						h.MarkDirty()
					}
				}
				if err := h.Release(); err != nil {
					errCh <- err
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	require.LessOrEqual(t, len(bpm.ResidentPageIDs()), poolSize)
	stats := bpm.GetStats()
	require.Equal(t, 0, stats.PinnedPages)
	require.Len(t, bpm.EvictionOrder(), stats.ResidentPages)
	require.NoError(t, bpm.FlushAllPages())
	require.Equal(t, 0, bpm.GetStats().DirtyPages)
}

func TestBufferPoolManager_UntypedPageWithRecordsSurvivesReload(t *testing.T) {
	bpm, path := setupBufferPoolManager(t, 1)

	h, err := bpm.FetchPage(0)
	require.NoError(t, err)
	h.Lock()
	h.Page().Init(0, pagemanager.PageTypeUnused)
	h.Unlock()
	appendRecord(t, h, "hello")
	require.NoError(t, h.Release())
	require.NoError(t, bpm.FlushPage(0))
	require.Equal(t, uint16(1), readFromDisk(t, path, 0).GetRowCount())

	// Evict page 0, then load it back from disk.
	fetchAndRelease(t, bpm, 1)
	require.False(t, bpm.IsResident(0))

	h, err = bpm.FetchPage(0)
	require.NoError(t, err)
	defer h.Release()
	require.Equal(t, uint16(1), h.Page().GetRowCount())
	rec, err := h.Page().ReadRecord(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), rec)
}

func TestBufferPoolManager_FlushAllAfterClose(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 2)

	fetchAndRelease(t, bpm, 0)
	require.NoError(t, bpm.Close())
	require.ErrorIs(t, bpm.FlushAllPages(), flushmanager.ErrPoolClosed)
	require.ErrorIs(t, bpm.WritePage(0), flushmanager.ErrPoolClosed)
}

func TestBufferPoolManager_SkipsVictimThatCannotBeWritten(t *testing.T) {
	bpm, _ := setupBufferPoolManager(t, 2)

	// Page 0 becomes dirty with an image whose id no longer matches its slot,
	// so every write-back of it fails.
	h, err := bpm.FetchPage(0)
	require.NoError(t, err)
	h.Lock()
	h.Page().Init(99, pagemanager.PageTypeHeap)
	h.Unlock()
	h.MarkDirty()
	require.NoError(t, h.Release())
	fetchAndRelease(t, bpm, 1)
	require.Equal(t, []pagemanager.PageID{0, 1}, bpm.EvictionOrder())

	// Page 1 is clean and evictable, so the fetch succeeds.
	h2, err := bpm.FetchPage(2)
	require.NoError(t, err)
	require.True(t, bpm.IsResident(0))
	require.False(t, bpm.IsResident(1))
	require.Equal(t, 1, bpm.GetStats().DirtyPages)

	// With page 2 pinned, the only candidate is the unwritable page.
	_, err = bpm.FetchPage(3)
	require.ErrorIs(t, err, pagemanager.ErrInvalidPageData)
	require.NotErrorIs(t, err, flushmanager.ErrPoolExhausted)
	require.True(t, bpm.IsResident(0))
	require.NoError(t, h2.Release())
}
