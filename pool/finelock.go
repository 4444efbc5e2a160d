// Fine-grain-locked page pool. Get functions return a random page matching
// a predicate and lock that page's slot until the corresponding Put. The
// backing store is a flat array of (mutex, descriptor) cells; nothing is
// ever reordered.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cznic/mathutil"

	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

type slot struct {
	mu   sync.Mutex
	page Page

	// Mirrors of the descriptor consulted before taking the lock, so
	// threads skip non-matching slots without paying for contention.
	valid atomic.Bool
	tag   atomic.Int32
}

// FineLock is the production pool implementation.
type FineLock struct {
	slots   []slot
	region  []byte
	pageLen int64

	// Linear congruential traversal n1 = (a*n0 + c) mod m with m >= len(slots),
	// chosen so a full walk visits every slot exactly once.
	a, c, m int64

	randSeed [4]uint64
	randMu   [4]sync.Mutex
}

// NewFineLock builds a pool over region with the given page length. All
// slots start out locked: the page state is unknown until the controller
// inserts each descriptor with PutEmpty.
func NewFineLock(region []byte, pageLen int64) *FineLock {
	n := int64(len(region)) / pageLen
	q := &FineLock{
		slots:   make([]slot, n),
		region:  region,
		pageLen: pageLen,
	}
	for i := range q.slots {
		q.slots[i].mu.Lock()
	}
	for i := range q.randSeed {
		q.randSeed[i] = uint64(i) + 0xbeef
	}
	q.a, q.c, q.m = lcgParams(n)
	return q
}

// lcgParams derives Hull–Dobell constants for a full-cycle generator over
// [0, m). When no nontrivial multiplier exists for n, m grows until one
// does; out-of-range draws are skipped during traversal.
func lcgParams(n int64) (a, c, m int64) {
	m = n
	if n < 3 {
		return 1, 1, m
	}
	a = getA(m) % m
	for a == 1 {
		m++
		a = getA(m) % m
	}
	return a, getC(m), m
}

// getA returns one plus the product of the distinct prime factors of m
// (with an extra factor of 2 when 4 divides m), so a-1 is divisible by
// every prime factor of m.
func getA(m int64) int64 {
	remaining := m
	a := int64(1)
	if m%4 == 0 {
		a = 2
	}
	for i := int64(2); i <= m; i++ {
		if remaining%i == 0 {
			for remaining%i == 0 {
				remaining /= i
			}
			a *= i
		}
	}
	return (a + 1) % m
}

// getC returns the largest prime <= 3m/4.
func getC(m int64) int64 {
	for p := (3 * m) / 4; p > 1; p-- {
		if mathutil.IsPrimeUint64(uint64(p)) {
			return p
		}
	}
	return 1
}

// random64 draws from one of four seeded generators, trying each lock
// non-blockingly before settling on slot 0. Four slots keep worker threads
// from serializing on a single hot RNG mutex.
func (q *FineLock) random64() uint64 {
	for i := range q.randMu {
		if q.randMu[i].TryLock() {
			r := q.step(i)
			q.randMu[i].Unlock()
			return r
		}
	}
	q.randMu[0].Lock()
	r := q.step(0)
	q.randMu[0].Unlock()
	return r
}

func (q *FineLock) step(i int) uint64 {
	r := 2862933555777941757*q.randSeed[i] + 3037000493
	q.randSeed[i] = r
	return r
}

// PageLength returns the page size in bytes.
func (q *FineLock) PageLength() int64 { return q.pageLen }

// NumPages returns the pool capacity.
func (q *FineLock) NumPages() int64 { return int64(len(q.slots)) }

func (q *FineLock) getRandom(wantValid bool, tagMask int32) (Page, bool) {
	n := int64(len(q.slots))
	if n == 0 {
		return Page{}, false
	}

	start := int64(q.random64() % uint64(n))
	next := int64(1)

	for i := int64(0); i < n; i++ {
		index := (next + start) % n
		// Step the generator; with m > n, discard out-of-bounds draws.
		next = (q.a*next + q.c) % q.m
		for next >= n {
			next = (q.a*next + q.c) % q.m
		}

		s := &q.slots[index]
		if s.valid.Load() != wantValid {
			continue
		}
		if tagMask != DontCareTag && s.tag.Load()&tagMask == 0 {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		// The state may have changed between the unlocked peek and the
		// lock; re-check before handing the page out.
		if s.page.Valid() != wantValid {
			s.mu.Unlock()
			continue
		}
		pe := s.page
		if wantValid {
			pe.Touch++
			pe.TS = time.Now().Unix()
			pe.LastPattern = pe.Pattern
		}
		pe.Words = wordsAt(q.region, pe.Offset, q.pageLen)
		return pe, true
	}
	return Page{}, false
}

// GetValid returns a locked page carrying a pattern whose tag intersects
// tagMask (or any page for DontCareTag).
func (q *FineLock) GetValid(tagMask int32) (Page, bool) {
	return q.getRandom(true, tagMask)
}

// GetEmpty returns a locked page without a pattern.
func (q *FineLock) GetEmpty(tagMask int32) (Page, bool) {
	return q.getRandom(false, tagMask)
}

func (q *FineLock) put(pe Page, valid bool) bool {
	index := pe.Offset / q.pageLen
	if index < 0 || index >= int64(len(q.slots)) {
		return false
	}
	s := &q.slots[index]
	pe.Words = nil
	if !valid {
		pe.Pattern = nil
	}
	s.page = pe
	s.tag.Store(pe.Tag)
	s.valid.Store(valid)
	s.mu.Unlock()
	return true
}

// PutValid writes the descriptor back and releases the slot. The page must
// carry a pattern.
func (q *FineLock) PutValid(pe Page) bool {
	if !pe.Valid() {
		return false
	}
	return q.put(pe, true)
}

// PutEmpty writes the descriptor back as empty and releases the slot.
func (q *FineLock) PutEmpty(pe Page) bool {
	return q.put(pe, false)
}

// FindByPhysical scans for the page containing paddr. Diagnostic only; the
// descriptor is copied without locking.
func (q *FineLock) FindByPhysical(paddr uint64) (Page, bool) {
	for i := range q.slots {
		p := q.slots[i].page.Paddr
		if p <= paddr && paddr < p+uint64(q.pageLen) {
			return q.slots[i].page, true
		}
	}
	return Page{}, false
}

// Analyze reports a log2 histogram of per-page touch counts, the fairness
// telemetry for the traversal.
func (q *FineLock) Analyze(step *sink.Step) {
	var buckets [32]int64
	for i := range q.slots {
		count := q.slots[i].page.Touch
		b := 0
		for ; b < 31; b++ {
			if count < 1<<b {
				break
			}
		}
		buckets[b]++
	}

	series := step.Series("Queue Analysis: Reads per page", "pages")
	for b := range buckets {
		if buckets[b] != 0 {
			series.Add(float64(buckets[b]))
		}
	}
}
