package memtable

// BufferPoolStats is a point-in-time view of one table's cache region.
type BufferPoolStats struct {
	Table         string
	Capacity      int
	ResidentPages int
	PinnedPages   int
	DirtyPages    int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Flushes       uint64
	Exhausted     uint64
}

// HitRate returns hits / (hits + misses), or 0 before any fetch.
func (s BufferPoolStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// GetStats returns current buffer pool statistics.
func (bpm *BufferPoolManager) GetStats() BufferPoolStats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	stats := BufferPoolStats{
		Table:         bpm.table,
		Capacity:      bpm.poolSize,
		ResidentPages: len(bpm.pageTable),
		Hits:          bpm.hits,
		Misses:        bpm.misses,
		Evictions:     bpm.evictions,
		Flushes:       bpm.flushes,
		Exhausted:     bpm.exhausted,
	}
	for _, f := range bpm.frames {
		if !f.inUse {
			continue
		}
		if f.pinCount > 0 {
			stats.PinnedPages++
		}
		if f.isDirty {
			stats.DirtyPages++
		}
	}
	return stats
}
