package memtable

import (
	"container/list" // For LRU
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	flushmanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/flush_manager"
	pagemanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/page_manager"
	internaltelemetry "github.com/Ahmad87Homs/DataBaseManager/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BufferPoolManager caches the pages of a single table in a fixed number of
// frames and writes them back through the table's DiskManager.
// It implements strict LRU eviction among unpinned frames.
type BufferPoolManager struct {
	table       string
	diskManager *flushmanager.DiskManager
	poolSize    int
	frames      []*frame
	pageTable   map[pagemanager.PageID]FrameID // PageID to frame index
	freeList    []FrameID                      // Frames that have never held a page (or were released)
	lruList     *list.List                     // Unpinned frames, least recently used at the front
	mu          sync.Mutex
	closed      bool

	logger  *zap.Logger
	metrics *internaltelemetry.BufferPoolMetrics
	attrs   metric.MeasurementOption

	hits      uint64
	misses    uint64
	evictions uint64
	flushes   uint64
	exhausted uint64
}

// NewBufferPoolManager creates the cache region for one table.
func NewBufferPoolManager(table string, poolSize int, diskManager *flushmanager.DiskManager, logger *zap.Logger, metrics *internaltelemetry.BufferPoolMetrics) (*BufferPoolManager, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("%w: pool size %d for table %s", flushmanager.ErrInvalidPoolConfig, poolSize, table)
	}
	if diskManager == nil {
		return nil, fmt.Errorf("%w: nil disk manager for table %s", flushmanager.ErrInvalidPoolConfig, table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		var err error
		if metrics, err = internaltelemetry.NewBufferPoolMetrics(nil); err != nil {
			return nil, err
		}
	}

	bpm := &BufferPoolManager{
		table:       table,
		diskManager: diskManager,
		poolSize:    poolSize,
		frames:      make([]*frame, poolSize),
		pageTable:   make(map[pagemanager.PageID]FrameID, poolSize),
		freeList:    make([]FrameID, 0, poolSize),
		lruList:     list.New(),
		logger:      logger.Named("buffer_pool").With(zap.String("table", table)),
		metrics:     metrics,
		attrs:       metric.WithAttributes(attribute.String("table", table)),
	}
	for i := 0; i < poolSize; i++ {
		bpm.frames[i] = newFrame(FrameID(i))
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("poolSize", poolSize), zap.String("path", diskManager.FilePath()))
	return bpm, nil
}

func (bpm *BufferPoolManager) Table() string { return bpm.table }
func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// FetchPage pins pageID in the pool, loading it from disk on a miss. A page
// that does not exist on disk yet is initialized as an empty heap page and its
// slot in the file is reserved. The returned handle must be released.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*PageHandle, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	f, err := bpm.fetchPageInternal(pageID)
	if err != nil {
		return nil, err
	}
	return newPageHandle(bpm, f, pageID), nil
}

// fetchPageInternal must be called with bpm.mu held.
func (bpm *BufferPoolManager) fetchPageInternal(pageID pagemanager.PageID) (*frame, error) {
	if bpm.closed {
		return nil, fmt.Errorf("%w: table %s", flushmanager.ErrPoolClosed, bpm.table)
	}
	ctx := context.Background()

	// 1. Page already resident: pin it and take it out of the eviction order.
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		f := bpm.frames[frameIdx]
		bpm.pinInternal(f)
		bpm.hits++
		bpm.metrics.PageHitsCounter.Add(ctx, 1, bpm.attrs)
		bpm.logger.Debug("Page hit", zap.Uint32("pageID", uint32(pageID)), zap.Int("frame", int(frameIdx)), zap.Uint32("pinCount", f.pinCount))
		return f, nil
	}
	bpm.misses++
	bpm.metrics.PageMissesCounter.Add(ctx, 1, bpm.attrs)

	// 2. Pick a victim frame. A dirty candidate has already been written back.
	frameIdx, err := bpm.getVictimFrameInternal()
	if errors.Is(err, flushmanager.ErrPoolExhausted) {
		bpm.exhausted++
		bpm.metrics.PoolExhaustedCounter.Add(ctx, 1, bpm.attrs)
		bpm.logger.Debug("No evictable frame", zap.Uint32("pageID", uint32(pageID)))
		return nil, fmt.Errorf("%w: table %s, page %d, %d frames pinned", err, bpm.table, pageID, bpm.poolSize)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to make room for page %d: %w", pageID, err)
	}
	f := bpm.frames[frameIdx]

	if f.inUse {
		// 3. Drop the victim's identity.
		bpm.logger.Debug("Evicting page", zap.Uint32("victimPageID", uint32(f.pageID)), zap.Int("frame", int(frameIdx)), zap.Uint32("pageID", uint32(pageID)))
		bpm.lruList.Remove(f.lruElement)
		delete(bpm.pageTable, f.pageID)
		bpm.evictions++
		bpm.metrics.EvictionsCounter.Add(ctx, 1, bpm.attrs)
	}
	f.reset()

	if err := bpm.loadPageInternal(f, pageID); err != nil {
		bpm.freeList = append(bpm.freeList, frameIdx)
		return nil, err
	}

	// 4. Install.
	f.pageID = pageID
	f.inUse = true
	f.isDirty = false
	bpm.pageTable[pageID] = frameIdx
	bpm.pinInternal(f)
	bpm.logger.Debug("Page loaded", zap.Uint32("pageID", uint32(pageID)), zap.Int("frame", int(frameIdx)))
	return f, nil
}

// getVictimFrameInternal prefers a never-used frame, then the least recently
// used unpinned frame. A dirty candidate is written back first; if that fails
// it stays resident and dirty and the next candidate is tried. The victim is
// not detached from the LRU list. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) getVictimFrameInternal() (FrameID, error) {
	if n := len(bpm.freeList); n > 0 {
		frameIdx := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return frameIdx, nil
	}
	var flushErrs error
	for e := bpm.lruList.Front(); e != nil; e = e.Next() {
		frameIdx := e.Value.(FrameID)
		f := bpm.frames[frameIdx]
		if f.isDirty {
			if err := bpm.flushFrameInternal(f); err != nil {
				flushErrs = multierr.Append(flushErrs, fmt.Errorf("dirty victim page %d: %w", f.pageID, err))
				continue
			}
		}
		return frameIdx, nil
	}
	if flushErrs != nil {
		return -1, flushErrs
	}
	return -1, flushmanager.ErrPoolExhausted
}

// loadPageInternal fills f with pageID's image. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) loadPageInternal(f *frame, pageID pagemanager.PageID) error {
	page, err := bpm.diskManager.ReadPage(pageID)
	switch {
	case errors.Is(err, flushmanager.ErrPageNotFoundOnDisk):
		f.page.Init(pageID, pagemanager.PageTypeHeap)
		if err := bpm.diskManager.EnsurePageExists(pageID); err != nil {
			return fmt.Errorf("failed to reserve page %d on disk: %w", pageID, err)
		}
		bpm.logger.Debug("Initialized new page", zap.Uint32("pageID", uint32(pageID)))
	case err != nil:
		return fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	case page.IsZero():
		// Zero-filled by an earlier extension and never written.
		f.page.Init(pageID, pagemanager.PageTypeHeap)
	case page.GetPageID() != pageID:
		return fmt.Errorf("%w: slot of page %d in table %s holds page %d", pagemanager.ErrInvalidPageData, pageID, bpm.table, page.GetPageID())
	default:
		f.page = *page
	}
	return nil
}

// pinInternal must be called with bpm.mu held.
func (bpm *BufferPoolManager) pinInternal(f *frame) {
	if f.pinCount == 0 {
		if f.lruElement != nil {
			bpm.lruList.Remove(f.lruElement)
			f.lruElement = nil
		}
		bpm.metrics.PinnedFramesUpDownCounter.Add(context.Background(), 1, bpm.attrs)
	}
	f.pinCount++
}

// flushFrameInternal writes f's image and marks it clean. Must be called with
// bpm.mu held.
func (bpm *BufferPoolManager) flushFrameInternal(f *frame) error {
	start := time.Now()
	f.latch.RLock()
	err := bpm.diskManager.WritePage(f.pageID, &f.page)
	f.latch.RUnlock()
	if err != nil {
		bpm.logger.Error("Failed to write page back", zap.Uint32("pageID", uint32(f.pageID)), zap.Error(err))
		return err
	}
	f.isDirty = false
	bpm.flushes++
	ctx := context.Background()
	bpm.metrics.PageFlushesCounter.Add(ctx, 1, bpm.attrs)
	bpm.metrics.FlushLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), bpm.attrs)
	return nil
}

// UnpinPage drops one pin on pageID and marks it dirty if isDirty is set.
// When the last pin goes away the frame becomes the most recently used
// eviction candidate.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.unpinPageInternal(pageID, isDirty)
}

// unpinPageInternal must be called with bpm.mu held.
func (bpm *BufferPoolManager) unpinPageInternal(pageID pagemanager.PageID, isDirty bool) error {
	if bpm.closed {
		return fmt.Errorf("%w: table %s", flushmanager.ErrPoolClosed, bpm.table)
	}
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: table %s, page %d", flushmanager.ErrNotResident, bpm.table, pageID)
	}
	f := bpm.frames[frameIdx]
	if f.pinCount == 0 {
		return fmt.Errorf("%w: table %s, page %d", flushmanager.ErrNotPinned, bpm.table, pageID)
	}

	f.pinCount--
	if isDirty {
		f.isDirty = true
	}
	if f.pinCount == 0 {
		f.lruElement = bpm.lruList.PushBack(frameIdx)
		bpm.metrics.PinnedFramesUpDownCounter.Add(context.Background(), -1, bpm.attrs)
	}
	bpm.logger.Debug("Unpinned page", zap.Uint32("pageID", uint32(pageID)), zap.Uint32("pinCount", f.pinCount), zap.Bool("isDirty", f.isDirty))
	return nil
}

// FlushPage writes pageID back if it is dirty. Pinned pages may be flushed;
// their pin state is unchanged.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bpm.closed {
		return fmt.Errorf("%w: table %s", flushmanager.ErrPoolClosed, bpm.table)
	}
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: table %s, page %d", flushmanager.ErrNotResident, bpm.table, pageID)
	}
	f := bpm.frames[frameIdx]
	if !f.isDirty {
		return nil
	}
	return bpm.flushFrameInternal(f)
}

// FlushAllPages writes back every dirty resident page, pinned or not. It keeps
// going after a failure and returns all errors combined.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return fmt.Errorf("%w: table %s", flushmanager.ErrPoolClosed, bpm.table)
	}
	return bpm.flushAllInternal()
}

// flushAllInternal must be called with bpm.mu held.
func (bpm *BufferPoolManager) flushAllInternal() error {
	var errs error
	for _, f := range bpm.frames {
		if f.inUse && f.isDirty {
			if err := bpm.flushFrameInternal(f); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("table %s, page %d: %w", bpm.table, f.pageID, err))
			}
		}
	}
	return errs
}

// WritePage is the write-through path. A resident page is flushed if dirty.
// Otherwise the page is fetched (or created), persisted immediately and left
// cached as the most recently used unpinned frame.
func (bpm *BufferPoolManager) WritePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bpm.closed {
		return fmt.Errorf("%w: table %s", flushmanager.ErrPoolClosed, bpm.table)
	}
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		f := bpm.frames[frameIdx]
		if !f.isDirty {
			return nil
		}
		return bpm.flushFrameInternal(f)
	}

	f, err := bpm.fetchPageInternal(pageID)
	if err != nil {
		return err
	}
	if err := bpm.flushFrameInternal(f); err != nil {
		return multierr.Append(err, bpm.unpinPageInternal(pageID, true))
	}
	return bpm.unpinPageInternal(pageID, false)
}

// Close flushes every dirty page, including pinned ones, releases all frames
// and closes the table file.
func (bpm *BufferPoolManager) Close() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil
	}

	pinned := 0
	for _, f := range bpm.frames {
		if f.inUse && f.pinCount > 0 {
			pinned++
		}
	}
	if pinned > 0 {
		bpm.logger.Warn("Closing buffer pool with pinned pages; flushing them anyway", zap.Int("pinned", pinned))
	}

	errs := bpm.flushAllInternal()
	for _, f := range bpm.frames {
		if f.inUse && f.pinCount > 0 {
			bpm.metrics.PinnedFramesUpDownCounter.Add(context.Background(), -1, bpm.attrs)
		}
		f.reset()
	}
	bpm.pageTable = make(map[pagemanager.PageID]FrameID)
	bpm.lruList.Init()
	bpm.freeList = bpm.freeList[:0]
	bpm.closed = true

	errs = multierr.Append(errs, bpm.diskManager.Close())
	bpm.logger.Info("BufferPoolManager closed", zap.Uint64("flushes", bpm.flushes), zap.Uint64("evictions", bpm.evictions))
	return errs
}

// IsResident reports whether pageID currently occupies a frame.
func (bpm *BufferPoolManager) IsResident(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.pageTable[pageID]
	return ok
}

// PinCount returns pageID's pin count and whether it is resident.
func (bpm *BufferPoolManager) PinCount(pageID pagemanager.PageID) (uint32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.frames[frameIdx].pinCount, true
}

// ResidentPageIDs returns the cached page ids in ascending order.
func (bpm *BufferPoolManager) ResidentPageIDs() []pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ids := make([]pagemanager.PageID, 0, len(bpm.pageTable))
	for id := range bpm.pageTable {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// EvictionOrder returns the unpinned page ids, next victim first.
func (bpm *BufferPoolManager) EvictionOrder() []pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ids := make([]pagemanager.PageID, 0, bpm.lruList.Len())
	for e := bpm.lruList.Front(); e != nil; e = e.Next() {
		ids = append(ids, bpm.frames[e.Value.(FrameID)].pageID)
	}
	return ids
}
