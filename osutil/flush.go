package osutil

import "sync/atomic"

// Cache flush hints. Go has no portable clflush, so these degrade to full
// memory fences plus forced re-reads: enough to order the invert and tag
// kernels' stores against later verification, not enough to evict lines.
// The kernels call them at the same points the hardware flushes would go.

var fenceWord uint64

// FlushSync orders all preceding stores before any following loads.
func FlushSync() {
	atomic.AddUint64(&fenceWord, 1)
}

// FlushHint requests writeback of the cache line holding p.
func FlushHint(p *uint64) {
	atomic.LoadUint64(p)
}

// FlushWords hints writeback over an entire word slice, one cache line at a
// time.
func FlushWords(words []uint64, lineSize int) {
	if lineSize < 8 {
		lineSize = 64
	}
	step := lineSize / 8
	FlushSync()
	for i := 0; i < len(words); i += step {
		FlushHint(&words[i])
	}
	FlushSync()
}
