package memtable

import (
	"context"
	"fmt"

	"github.com/Ahmad87Homs/DataBaseManager/core/storage_engine/common"
	flushmanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// Snapshot flushes every dirty page and copies the table file to dstPath at no
// more than rateBytesPerSec. The pool is held for the duration of the copy so
// the file cannot change underneath it.
func (bpm *BufferPoolManager) Snapshot(ctx context.Context, dstPath string, rateBytesPerSec int64) (int64, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bpm.closed {
		return 0, fmt.Errorf("%w: table %s", flushmanager.ErrPoolClosed, bpm.table)
	}
	if err := bpm.flushAllInternal(); err != nil {
		return 0, fmt.Errorf("flush before snapshot: %w", err)
	}
	if err := bpm.diskManager.Sync(); err != nil {
		return 0, err
	}

	n, err := common.CopyThrottled(ctx, bpm.diskManager.FilePath(), dstPath, rateBytesPerSec)
	if err != nil {
		bpm.logger.Error("Snapshot failed", zap.String("dst", dstPath), zap.Error(err))
		return n, fmt.Errorf("snapshot of table %s: %w", bpm.table, err)
	}
	bpm.logger.Info("Snapshot written", zap.String("dst", dstPath), zap.Int64("bytes", n))
	return n, nil
}
