package memtable

import (
	"fmt"
	"sync/atomic"

	flushmanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/flush_manager"
	pagemanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/page_manager"
)

// PageHandle is a pinned reference to a resident page. The pin it holds keeps
// the frame from being evicted or reloaded until Release is called, so callers
// should pair every successful fetch with a deferred Release.
//
// Concurrent holders of the same page coordinate through the page latch
// (Lock/RLock). Release the latch before releasing the handle.
type PageHandle struct {
	bpm      *BufferPoolManager
	frame    *frame
	pageID   pagemanager.PageID
	dirty    atomic.Bool
	released atomic.Bool
}

func newPageHandle(bpm *BufferPoolManager, f *frame, pageID pagemanager.PageID) *PageHandle {
	return &PageHandle{bpm: bpm, frame: f, pageID: pageID}
}

// Page returns the cached page, or nil once the handle has been released.
func (h *PageHandle) Page() *pagemanager.Page {
	if h.released.Load() {
		return nil
	}
	return &h.frame.page
}

func (h *PageHandle) PageID() pagemanager.PageID { return h.pageID }
func (h *PageHandle) Table() string              { return h.bpm.table }

// MarkDirty records that the page was modified; the flag is handed to the
// pool on Release.
func (h *PageHandle) MarkDirty() { h.dirty.Store(true) }

// Release unpins the page. It may only be called once.
func (h *PageHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: table %s, page %d", flushmanager.ErrHandleReleased, h.bpm.table, h.pageID)
	}
	return h.bpm.UnpinPage(h.pageID, h.dirty.Load())
}

// --- Page Latch ---

func (h *PageHandle) RLock()   { h.frame.latch.RLock() }
func (h *PageHandle) RUnlock() { h.frame.latch.RUnlock() }

// Lock takes the page latch exclusively. Write-back takes the same latch
// shared while holding the pool mutex, so do not call into the pool (fetch,
// unpin, flush or Release) while holding it.
func (h *PageHandle) Lock()   { h.frame.latch.Lock() }
func (h *PageHandle) Unlock() { h.frame.latch.Unlock() }
