package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager owns the backing file of a single table. The file is a dense
// array of PageSize page images indexed by page id.
type DiskManager struct {
	filePath string
	file     *os.File
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewDiskManager opens filePath for read/write, creating it if absent.
func NewDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		logger:   logger.Named("disk_manager").With(zap.String("path", filePath)),
	}
	dm.logger.Debug("Opened table file")
	return dm, nil
}

// pageOffset is computed in int64 so the largest uint32 page id cannot overflow.
func pageOffset(pageID pagemanager.PageID) int64 {
	return int64(pageID) * int64(pagemanager.PageSize)
}

func (dm *DiskManager) FilePath() string { return dm.filePath }

// fileSizeLocked must be called with dm.mu held.
func (dm *DiskManager) fileSizeLocked() (int64, error) {
	if dm.file == nil {
		return 0, fmt.Errorf("%w: file %s not open", ErrIO, dm.filePath)
	}
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, err)
	}
	return fi.Size(), nil
}

// ReadPage reads and decodes the page stored at pageID. It returns
// ErrPageNotFoundOnDisk if the file does not yet cover the whole page.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	size, err := dm.fileSizeLocked()
	if err != nil {
		return nil, err
	}
	offset := pageOffset(pageID)
	if size < offset+pagemanager.PageSize {
		return nil, fmt.Errorf("%w: page %d (file size %d)", ErrPageNotFoundOnDisk, pageID, size)
	}

	buf := make([]byte, pagemanager.PageSize)
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == pagemanager.PageSize) {
		return nil, fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if n != pagemanager.PageSize {
		return nil, fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, pagemanager.PageSize, n)
	}

	page := &pagemanager.Page{}
	if err := page.FromBytes(buf); err != nil {
		return nil, fmt.Errorf("decoding page %d: %w", pageID, err)
	}
	return page, nil
}

// WritePage encodes page and writes the full image at pageID's offset, then
// syncs the file. The image goes out in one WriteAt so a failed call never
// leaves a half-written page behind it.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, page *pagemanager.Page) error {
	if page.GetPageID() != pageID {
		return fmt.Errorf("%w: writing page %d with image of page %d", pagemanager.ErrInvalidPageData, pageID, page.GetPageID())
	}
	buf := page.ToBytes()

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file %s not open", ErrIO, dm.filePath)
	}

	offset := pageOffset(pageID)
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing page %d: %v", ErrIO, pageID, err)
	}
	dm.logger.Debug("Wrote page", zap.Uint32("pageID", uint32(pageID)), zap.Int64("offset", offset))
	return nil
}

// EnsurePageExists zero-extends the file so that it covers pageID. Existing
// bytes are never touched.
func (dm *DiskManager) EnsurePageExists(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	size, err := dm.fileSizeLocked()
	if err != nil {
		return err
	}
	end := pageOffset(pageID) + pagemanager.PageSize
	if size >= end {
		return nil
	}
	if err := dm.file.Truncate(end); err != nil {
		return fmt.Errorf("%w: extending file to %d bytes for page %d: %v", ErrIO, end, pageID, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing extension for page %d: %v", ErrIO, pageID, err)
	}
	dm.logger.Debug("Extended file", zap.Uint32("pageID", uint32(pageID)), zap.Int64("size", end))
	return nil
}

// NumPages returns how many whole pages the file currently holds.
func (dm *DiskManager) NumPages() (uint64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	size, err := dm.fileSizeLocked()
	if err != nil {
		return 0, err
	}
	return uint64(size) / pagemanager.PageSize, nil
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: syncing %s on close: %v", ErrIO, dm.filePath, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, closeErr)
	}
	dm.logger.Debug("Closed table file")
	return nil
}
