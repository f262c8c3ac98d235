package memtable

import (
	"container/list"
	"sync"

	pagemanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/page_manager"
)

// FrameID indexes a frame within one table's region of the pool.
type FrameID int

// frame is a cache slot: one page image plus its residency state. All fields
// except the page contents are guarded by the owning BufferPoolManager's mutex.
type frame struct {
	id       FrameID
	page     pagemanager.Page
	pageID   pagemanager.PageID
	inUse    bool
	pinCount uint32
	isDirty  bool
	// Non-nil iff the frame is in use and unpinned.
	lruElement *list.Element

	// Protects the in-memory contents of the page. Write-back holds it shared.
	latch sync.RWMutex
}

func newFrame(id FrameID) *frame {
	return &frame{id: id}
}

// reset clears residency state so the frame can hold a different page. The
// page image itself is overwritten by the next load.
func (f *frame) reset() {
	f.pageID = 0
	f.inUse = false
	f.pinCount = 0
	f.isDirty = false
	f.lruElement = nil
}
