package memtable

import (
	"context"
	"fmt"

	flushmanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/flush_manager"
	pagemanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/page_manager"
	internaltelemetry "github.com/Ahmad87Homs/DataBaseManager/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const tracerName = "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/memtable"

// FileHandle pairs a table's backing file with its region of the pool.
type FileHandle struct {
	Name        string
	DiskManager *flushmanager.DiskManager
	Cache       *BufferPoolManager
}

// BufferPool is the table-addressed front over one BufferPoolManager per
// configured table. Every table gets cfg.PoolSize frames of its own.
type BufferPool struct {
	id     string
	cfg    Config
	tables map[string]*FileHandle
	order  []string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewBufferPool opens every configured table file. If any table fails to open,
// the ones already opened are closed again.
func NewBufferPool(cfg Config, logger *zap.Logger, meter metric.Meter) (*BufferPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewBufferPoolMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register buffer pool metrics: %w", err)
	}

	id := uuid.NewString()
	bp := &BufferPool{
		id:     id,
		cfg:    cfg,
		tables: make(map[string]*FileHandle, len(cfg.Tables)),
		order:  make([]string, 0, len(cfg.Tables)),
		logger: logger.With(zap.String("pool_id", id)),
		tracer: otel.Tracer(tracerName),
	}

	for _, t := range cfg.Tables {
		path := cfg.TablePath(t)
		dm, err := flushmanager.NewDiskManager(path, bp.logger)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to open table %s: %w", t.Name, err), bp.closeAll())
		}
		bpm, err := NewBufferPoolManager(t.Name, cfg.PoolSize, dm, bp.logger, metrics)
		if err != nil {
			return nil, multierr.Combine(err, dm.Close(), bp.closeAll())
		}
		bp.tables[t.Name] = &FileHandle{Name: t.Name, DiskManager: dm, Cache: bpm}
		bp.order = append(bp.order, t.Name)
	}

	bp.logger.Info("Buffer pool opened", zap.Int("tables", len(bp.order)), zap.Int("framesPerTable", cfg.PoolSize))
	return bp, nil
}

// ID returns the pool instance id carried by its log lines.
func (bp *BufferPool) ID() string { return bp.id }

// Tables returns the table names in declaration order.
func (bp *BufferPool) Tables() []string {
	out := make([]string, len(bp.order))
	copy(out, bp.order)
	return out
}

// Table returns the handle for name, or ErrTableNotFound.
func (bp *BufferPool) Table(name string) (*FileHandle, error) {
	fh, ok := bp.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", flushmanager.ErrTableNotFound, name)
	}
	return fh, nil
}

func (bp *BufferPool) FetchPage(table string, pageID pagemanager.PageID) (*PageHandle, error) {
	fh, err := bp.Table(table)
	if err != nil {
		return nil, err
	}
	return fh.Cache.FetchPage(pageID)
}

func (bp *BufferPool) UnpinPage(table string, pageID pagemanager.PageID, isDirty bool) error {
	fh, err := bp.Table(table)
	if err != nil {
		return err
	}
	return fh.Cache.UnpinPage(pageID, isDirty)
}

func (bp *BufferPool) FlushPage(table string, pageID pagemanager.PageID) error {
	fh, err := bp.Table(table)
	if err != nil {
		return err
	}
	return fh.Cache.FlushPage(pageID)
}

// WritePage persists pageID immediately, loading or creating it if needed.
func (bp *BufferPool) WritePage(table string, pageID pagemanager.PageID) error {
	fh, err := bp.Table(table)
	if err != nil {
		return err
	}
	return fh.Cache.WritePage(pageID)
}

// FlushAll flushes every table, continuing past failures.
func (bp *BufferPool) FlushAll() error {
	var errs error
	for _, name := range bp.order {
		errs = multierr.Append(errs, bp.tables[name].Cache.FlushAllPages())
	}
	return errs
}

func (bp *BufferPool) IsResident(table string, pageID pagemanager.PageID) (bool, error) {
	fh, err := bp.Table(table)
	if err != nil {
		return false, err
	}
	return fh.Cache.IsResident(pageID), nil
}

func (bp *BufferPool) Stats(table string) (BufferPoolStats, error) {
	fh, err := bp.Table(table)
	if err != nil {
		return BufferPoolStats{}, err
	}
	return fh.Cache.GetStats(), nil
}

// Snapshot writes a consistent copy of table's file to dstPath.
func (bp *BufferPool) Snapshot(ctx context.Context, table, dstPath string, rateBytesPerSec int64) (int64, error) {
	ctx, span := bp.tracer.Start(ctx, "BufferPool.Snapshot", trace.WithAttributes(
		attribute.String("table", table),
		attribute.String("dst", dstPath),
		attribute.Int64("rate_bytes_per_sec", rateBytesPerSec),
	))
	defer span.End()

	fh, err := bp.Table(table)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	n, err := fh.Cache.Snapshot(ctx, dstPath, rateBytesPerSec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return n, err
	}
	span.SetAttributes(attribute.Int64("bytes", n))
	return n, nil
}

// Close flushes and closes every table. Later operations fail with
// ErrPoolClosed.
func (bp *BufferPool) Close() error {
	err := bp.closeAll()
	bp.logger.Info("Buffer pool closed")
	return err
}

func (bp *BufferPool) closeAll() error {
	var errs error
	for _, name := range bp.order {
		errs = multierr.Append(errs, bp.tables[name].Cache.Close())
	}
	return errs
}
