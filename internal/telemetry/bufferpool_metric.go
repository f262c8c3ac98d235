package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
type BufferPoolMetrics struct {
	PageHitsCounter           metric.Int64Counter
	PageMissesCounter         metric.Int64Counter
	EvictionsCounter          metric.Int64Counter
	PageFlushesCounter        metric.Int64Counter
	PoolExhaustedCounter      metric.Int64Counter
	FlushLatencyHistogram     metric.Int64Histogram
	PinnedFramesUpDownCounter metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
// A nil meter yields no-op instruments.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	hits, err := meter.Int64Counter(
		"pagestore.bufferpool.hits_total",
		metric.WithDescription("Total number of page fetches served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"pagestore.bufferpool.misses_total",
		metric.WithDescription("Total number of page fetches that had to load a frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"pagestore.bufferpool.evictions_total",
		metric.WithDescription("Total number of resident pages evicted to make room."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"pagestore.bufferpool.flushes_total",
		metric.WithDescription("Total number of page images written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	exhausted, err := meter.Int64Counter(
		"pagestore.bufferpool.exhausted_total",
		metric.WithDescription("Total number of fetches rejected because every frame was pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushLatency, err := meter.Int64Histogram(
		"pagestore.bufferpool.flush.duration",
		metric.WithDescription("The latency of writing one page back to disk."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"pagestore.bufferpool.pinned_frames",
		metric.WithDescription("Number of frames currently pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		PageHitsCounter:           hits,
		PageMissesCounter:         misses,
		EvictionsCounter:          evictions,
		PageFlushesCounter:        flushes,
		PoolExhaustedCounter:      exhausted,
		FlushLatencyHistogram:     flushLatency,
		PinnedFramesUpDownCounter: pinned,
	}, nil
}
