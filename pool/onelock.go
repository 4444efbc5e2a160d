// Single-lock fallback pool, selected with --coarse_grain_lock. Two
// randomized queues (empty and valid) behind one mutex each. Kept for
// benchmarking the fine-lock implementation against; it ignores tag hints.
package pool

import (
	"math/rand"
	"sync"
	"time"

	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

type entryQueue struct {
	mu     sync.Mutex
	pages  []Page
	nextIn int
	count  int
	rng    *rand.Rand
}

func newEntryQueue(capacity int64, seed int64) *entryQueue {
	return &entryQueue{
		pages: make([]Page, capacity),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (eq *entryQueue) push(pe Page) bool {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if eq.count == len(eq.pages) {
		return false
	}
	eq.pages[eq.nextIn] = pe
	eq.nextIn = (eq.nextIn + 1) % len(eq.pages)
	eq.count++
	return true
}

func (eq *entryQueue) popRandom() (Page, bool) {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if eq.count == 0 {
		return Page{}, false
	}
	nextOut := (eq.nextIn - eq.count + len(eq.pages)) % len(eq.pages)
	r := (nextOut + eq.rng.Intn(eq.count)) % len(eq.pages)
	eq.pages[nextOut], eq.pages[r] = eq.pages[r], eq.pages[nextOut]
	pe := eq.pages[nextOut]
	eq.count--
	return pe, true
}

// OneLock is the coarse-grain pool: exclusive ownership comes from a page
// being physically absent from either queue while a worker holds it.
type OneLock struct {
	empty   *entryQueue
	valid   *entryQueue
	region  []byte
	pageLen int64
	touch   []uint32
	touchMu sync.Mutex
}

// NewOneLock builds the coarse pool over region.
func NewOneLock(region []byte, pageLen int64) *OneLock {
	n := int64(len(region)) / pageLen
	return &OneLock{
		empty:   newEntryQueue(n, 0xbeef),
		valid:   newEntryQueue(n, 0xfeed),
		region:  region,
		pageLen: pageLen,
		touch:   make([]uint32, n),
	}
}

// PageLength returns the page size in bytes.
func (q *OneLock) PageLength() int64 { return q.pageLen }

// NumPages returns the pool capacity.
func (q *OneLock) NumPages() int64 { return int64(len(q.touch)) }

// GetValid pops a random valid page. The tag hint is not honored by this
// implementation.
func (q *OneLock) GetValid(_ int32) (Page, bool) {
	pe, ok := q.valid.popRandom()
	if !ok {
		return Page{}, false
	}
	pe.Touch++
	pe.TS = time.Now().Unix()
	pe.LastPattern = pe.Pattern
	pe.Words = wordsAt(q.region, pe.Offset, q.pageLen)
	return pe, true
}

// GetEmpty pops a random empty page.
func (q *OneLock) GetEmpty(_ int32) (Page, bool) {
	pe, ok := q.empty.popRandom()
	if !ok {
		return Page{}, false
	}
	pe.Words = wordsAt(q.region, pe.Offset, q.pageLen)
	return pe, true
}

// PutValid pushes a pattern-carrying page back.
func (q *OneLock) PutValid(pe Page) bool {
	if !pe.Valid() {
		return false
	}
	pe.Words = nil
	q.recordTouch(pe)
	return q.valid.push(pe)
}

// PutEmpty pushes a page back as empty.
func (q *OneLock) PutEmpty(pe Page) bool {
	pe.Words = nil
	pe.Pattern = nil
	q.recordTouch(pe)
	return q.empty.push(pe)
}

func (q *OneLock) recordTouch(pe Page) {
	index := pe.Offset / q.pageLen
	if index >= 0 && index < int64(len(q.touch)) {
		q.touchMu.Lock()
		q.touch[index] = pe.Touch
		q.touchMu.Unlock()
	}
}

// FindByPhysical is not supported by the coarse pool; pages in flight are
// invisible to it.
func (q *OneLock) FindByPhysical(_ uint64) (Page, bool) {
	return Page{}, false
}

// Analyze reports the touch histogram collected at Put time.
func (q *OneLock) Analyze(step *sink.Step) {
	var buckets [32]int64
	q.touchMu.Lock()
	for _, count := range q.touch {
		b := 0
		for ; b < 31; b++ {
			if count < 1<<b {
				break
			}
		}
		buckets[b]++
	}
	q.touchMu.Unlock()

	series := step.Series("Queue Analysis: Reads per page", "pages")
	for b := range buckets {
		if buckets[b] != 0 {
			series.Add(float64(buckets[b]))
		}
	}
}
