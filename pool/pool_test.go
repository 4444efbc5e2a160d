package pool

import (
	"sync"
	"testing"

	"github.com/opencomputeproject/ocp-diag-sat/pattern"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

const testPageLen = 1024

func newTestPool(t *testing.T, pages int64) (*FineLock, *pattern.List) {
	t.Helper()
	region := make([]byte, pages*testPageLen)
	q := NewFineLock(region, testPageLen)

	// Slots are born locked; inserting the descriptors opens them.
	for i := int64(0); i < pages; i++ {
		if !q.PutEmpty(Page{Offset: i * testPageLen, Tag: InvalidTag}) {
			t.Fatalf("PutEmpty of page %d failed", i)
		}
	}

	pl, err := pattern.NewList(7)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	return q, pl
}

func TestLCGParamsFullCycle(t *testing.T) {
	for n := int64(3); n <= 200; n++ {
		a, c, m := lcgParams(n)
		if m < n {
			t.Fatalf("n=%d: modulus %d below pool size", n, m)
		}

		// A traversal of n in-range draws must visit every index exactly
		// once, for any starting offset.
		for _, start := range []int64{0, 1, n / 2, n - 1} {
			seen := make(map[int64]bool, n)
			next := int64(1)
			for i := int64(0); i < n; i++ {
				index := (next + start) % n
				next = (a*next + c) % m
				for next >= n {
					next = (a*next + c) % m
				}
				if seen[index] {
					t.Fatalf("n=%d start=%d: index %d visited twice", n, start, index)
				}
				seen[index] = true
			}
			if int64(len(seen)) != n {
				t.Fatalf("n=%d start=%d: traversal covered %d of %d slots", n, start, len(seen), n)
			}
		}
	}
}

func TestPageConservation(t *testing.T) {
	const pages = 64
	q, _ := newTestPool(t, pages)

	// Every empty page can be held exactly once.
	held := make([]Page, 0, pages)
	for i := 0; i < pages; i++ {
		pe, ok := q.GetEmpty(DontCareTag)
		if !ok {
			t.Fatalf("GetEmpty %d failed with %d pages outstanding", i, len(held))
		}
		held = append(held, pe)
	}
	if _, ok := q.GetEmpty(DontCareTag); ok {
		t.Fatal("GetEmpty succeeded with every page held")
	}
	if _, ok := q.GetValid(DontCareTag); ok {
		t.Fatal("GetValid succeeded with every page held")
	}

	for _, pe := range held {
		if !q.PutEmpty(pe) {
			t.Fatalf("PutEmpty of offset %d failed", pe.Offset)
		}
	}
	// The pool is whole again.
	count := 0
	for {
		if _, ok := q.GetEmpty(DontCareTag); !ok {
			break
		}
		count++
	}
	if count != pages {
		t.Fatalf("pool holds %d pages after round trip, want %d", count, pages)
	}
}

func TestPredicateSoundness(t *testing.T) {
	const pages = 32
	q, pl := newTestPool(t, pages)

	// Promote half the pages to valid.
	for i := 0; i < pages/2; i++ {
		pe, ok := q.GetEmpty(DontCareTag)
		if !ok {
			t.Fatal("GetEmpty failed")
		}
		pe.Pattern = pl.Get(0)
		if !q.PutValid(pe) {
			t.Fatal("PutValid failed")
		}
	}

	validSeen, emptySeen := 0, 0
	var heldValid, heldEmpty []Page
	for {
		pe, ok := q.GetValid(DontCareTag)
		if !ok {
			break
		}
		if pe.Pattern == nil {
			t.Fatal("GetValid returned a page without a pattern")
		}
		heldValid = append(heldValid, pe)
		validSeen++
	}
	for {
		pe, ok := q.GetEmpty(DontCareTag)
		if !ok {
			break
		}
		if pe.Pattern != nil {
			t.Fatal("GetEmpty returned a page with a pattern")
		}
		heldEmpty = append(heldEmpty, pe)
		emptySeen++
	}

	if validSeen != pages/2 || emptySeen != pages/2 {
		t.Fatalf("saw %d valid, %d empty; want %d each", validSeen, emptySeen, pages/2)
	}
	for _, pe := range heldValid {
		q.PutValid(pe)
	}
	for _, pe := range heldEmpty {
		q.PutEmpty(pe)
	}
}

func TestPutValidRequiresPattern(t *testing.T) {
	q, _ := newTestPool(t, 4)
	pe, ok := q.GetEmpty(DontCareTag)
	if !ok {
		t.Fatal("GetEmpty failed")
	}
	if q.PutValid(pe) {
		t.Fatal("PutValid accepted a page without a pattern")
	}
	q.PutEmpty(pe)
}

func TestTagMaskSelection(t *testing.T) {
	const pages = 16
	q, pl := newTestPool(t, pages)

	// Tag half the pages region 0, half region 1.
	for i := 0; i < pages; i++ {
		pe, ok := q.GetEmpty(DontCareTag)
		if !ok {
			t.Fatal("GetEmpty failed")
		}
		pe.Pattern = pl.Get(0)
		pe.Tag = 1 << (i % 2)
		if !q.PutValid(pe) {
			t.Fatal("PutValid failed")
		}
	}

	for mask := int32(1); mask <= 2; mask++ {
		var held []Page
		for {
			pe, ok := q.GetValid(mask)
			if !ok {
				break
			}
			if pe.Tag&mask == 0 {
				t.Fatalf("mask 0x%x returned page with tag 0x%x", mask, pe.Tag)
			}
			held = append(held, pe)
		}
		if len(held) != pages/2 {
			t.Fatalf("mask 0x%x matched %d pages, want %d", mask, len(held), pages/2)
		}
		for _, pe := range held {
			q.PutValid(pe)
		}
	}
}

func TestConcurrentGetPut(t *testing.T) {
	const pages = 128
	const workers = 8
	const iters = 2000
	q, pl := newTestPool(t, pages)

	// Promote half to valid so both predicates stay busy.
	for i := 0; i < pages/2; i++ {
		pe, _ := q.GetEmpty(DontCareTag)
		pe.Pattern = pl.Get(0)
		q.PutValid(pe)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				if src, ok := q.GetValid(DontCareTag); ok {
					if dst, ok := q.GetEmpty(DontCareTag); ok {
						dst.Pattern = src.Pattern
						q.PutValid(dst)
						src.Pattern = nil
						q.PutEmpty(src)
					} else {
						q.PutValid(src)
					}
				}
			}
		}()
	}
	wg.Wait()

	// P1: the pool still holds exactly `pages` descriptors.
	total := 0
	var held []Page
	for {
		pe, ok := q.GetValid(DontCareTag)
		if !ok {
			break
		}
		held = append(held, pe)
		total++
	}
	for {
		pe, ok := q.GetEmpty(DontCareTag)
		if !ok {
			break
		}
		held = append(held, pe)
		total++
	}
	if total != pages {
		t.Fatalf("pool holds %d pages after concurrent churn, want %d", total, pages)
	}
	offsets := make(map[int64]bool)
	for _, pe := range held {
		if offsets[pe.Offset] {
			t.Fatalf("offset %d handed out twice", pe.Offset)
		}
		offsets[pe.Offset] = true
	}
}

func TestFairTraversal(t *testing.T) {
	// Over many acquisitions of an all-valid pool, no page may starve: the
	// per-page touch counts stay within a factor of two of the mean.
	const pages = 64
	const rounds = 20000
	q, pl := newTestPool(t, pages)

	for i := 0; i < pages; i++ {
		pe, _ := q.GetEmpty(DontCareTag)
		pe.Pattern = pl.Get(0)
		q.PutValid(pe)
	}

	for i := 0; i < rounds; i++ {
		pe, ok := q.GetValid(DontCareTag)
		if !ok {
			t.Fatal("GetValid failed on an all-valid pool")
		}
		q.PutValid(pe)
	}

	mean := float64(rounds) / pages
	for i := range q.slots {
		touch := float64(q.slots[i].page.Touch)
		if touch < mean/2 || touch > mean*2 {
			t.Errorf("page %d touched %.0f times, mean %.0f: traversal is biased", i, touch, mean)
		}
	}
}

func TestFindByPhysical(t *testing.T) {
	q, pl := newTestPool(t, 8)

	pe, _ := q.GetEmpty(DontCareTag)
	pe.Pattern = pl.Get(0)
	pe.Paddr = 0x40000000
	q.PutValid(pe)

	found, ok := q.FindByPhysical(0x40000000 + 100)
	if !ok {
		t.Fatal("FindByPhysical missed a page containing the address")
	}
	if found.Offset != pe.Offset {
		t.Fatalf("found offset %d, want %d", found.Offset, pe.Offset)
	}
	if _, ok := q.FindByPhysical(0x80000000); ok {
		t.Fatal("FindByPhysical matched an unmapped address")
	}
}

func TestAnalyzeSmoke(t *testing.T) {
	q, pl := newTestPool(t, 8)
	for i := 0; i < 8; i++ {
		pe, _ := q.GetEmpty(DontCareTag)
		pe.Pattern = pl.Get(0)
		q.PutValid(pe)
	}
	for i := 0; i < 100; i++ {
		if pe, ok := q.GetValid(DontCareTag); ok {
			q.PutValid(pe)
		}
	}
	q.Analyze(sink.NewNop().Step("test"))
}

func TestOneLockPoolRoundTrip(t *testing.T) {
	const pages = 16
	region := make([]byte, pages*testPageLen)
	q := NewOneLock(region, testPageLen)
	pl, err := pattern.NewList(7)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}

	for i := int64(0); i < pages; i++ {
		if !q.PutEmpty(Page{Offset: i * testPageLen}) {
			t.Fatalf("PutEmpty %d failed", i)
		}
	}

	for i := 0; i < pages; i++ {
		pe, ok := q.GetEmpty(DontCareTag)
		if !ok {
			t.Fatalf("GetEmpty %d failed", i)
		}
		pe.Pattern = pl.Get(0)
		if !q.PutValid(pe) {
			t.Fatal("PutValid failed")
		}
	}
	if _, ok := q.GetEmpty(DontCareTag); ok {
		t.Fatal("GetEmpty succeeded on an all-valid pool")
	}

	count := 0
	var held []Page
	for {
		pe, ok := q.GetValid(DontCareTag)
		if !ok {
			break
		}
		held = append(held, pe)
		count++
	}
	if count != pages {
		t.Fatalf("popped %d valid pages, want %d", count, pages)
	}
	for _, pe := range held {
		q.PutValid(pe)
	}
}
