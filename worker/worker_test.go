package worker

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/opencomputeproject/ocp-diag-sat/coord"
	"github.com/opencomputeproject/ocp-diag-sat/osutil"
	"github.com/opencomputeproject/ocp-diag-sat/pattern"
	"github.com/opencomputeproject/ocp-diag-sat/pool"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

const testPageLen = 4096

type testRig struct {
	env      Env
	pool     *pool.FineLock
	patterns *pattern.List
	coord    *coord.Coordinator
	sink     *sink.Sink
	hook     *logtest.Hook
	step     *sink.Step
}

// newTestRig builds a pool of filled pages plus a log capture hook.
func newTestRig(t *testing.T, pages int64) *testRig {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	snk := sink.NewWithLogger(logger)

	osl, err := osutil.New()
	if err != nil {
		t.Fatalf("osutil.New: %v", err)
	}
	patterns, err := pattern.NewList(11)
	if err != nil {
		t.Fatalf("pattern.NewList: %v", err)
	}

	region := make([]byte, pages*testPageLen)
	pq := pool.NewFineLock(region, testPageLen)
	for i := int64(0); i < pages; i++ {
		if !pq.PutEmpty(pool.Page{Offset: i * testPageLen, Tag: pool.InvalidTag}) {
			t.Fatalf("PutEmpty %d failed", i)
		}
	}

	rig := &testRig{
		pool:     pq,
		patterns: patterns,
		coord:    coord.New(),
		sink:     snk,
		hook:     hook,
	}
	rig.step = snk.Step("test")
	rig.env = Env{
		Pool:       pq,
		Patterns:   patterns,
		OS:         osl,
		PageLength: testPageLen,
		CacheLine:  64,
		Strict:     true,
	}
	return rig
}

func (r *testRig) newWorker(t *testing.T) *Worker {
	t.Helper()
	w := &Worker{}
	w.typeName = "Test Worker"
	w.Init(0, &r.env, r.coord, r.step, 1, 0)
	return w
}

// fillValidPage promotes one empty page to valid with the given pattern.
func (r *testRig) fillValidPage(t *testing.T, w *Worker, p *pattern.Pattern) {
	t.Helper()
	pe, ok := r.pool.GetEmpty(pool.DontCareTag)
	if !ok {
		t.Fatal("GetEmpty failed")
	}
	pe.Pattern = p
	if !w.FillPage(&pe) {
		t.Fatal("FillPage failed")
	}
	if !r.pool.PutValid(pe) {
		t.Fatal("PutValid failed")
	}
}

func (r *testRig) logsContain(substr string) bool {
	for _, e := range r.hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestFillThenCrcCheckClean(t *testing.T) {
	rig := newTestRig(t, 4)
	w := rig.newWorker(t)

	for i := 0; i < rig.patterns.Size(); i++ {
		p := rig.patterns.Get(i)
		rig.fillValidPage(t, w, p)
		pe, ok := rig.pool.GetValid(pool.DontCareTag)
		if !ok {
			t.Fatal("GetValid failed")
		}
		if errs := w.CrcCheckPage(&pe); errs != 0 {
			t.Fatalf("pattern %s: clean page reported %d errors", p.Name(), errs)
		}
		rig.pool.PutEmpty(pe)
	}
	if got := rig.sink.DiagnosisCount(); got != 0 {
		t.Fatalf("clean checks raised %d diagnoses", got)
	}
}

func TestCrcCheckDetectsCorruption(t *testing.T) {
	rig := newTestRig(t, 2)
	w := rig.newWorker(t)

	rig.fillValidPage(t, w, rig.patterns.Get(0))
	pe, ok := rig.pool.GetValid(pool.DontCareTag)
	if !ok {
		t.Fatal("GetValid failed")
	}

	pe.Words[300] ^= 0x1
	errs := w.CrcCheckPage(&pe)
	if errs != 1 {
		t.Fatalf("expected 1 error, got %d", errs)
	}
	if w.ErrorCount() != 1 {
		t.Fatalf("error counter %d, want 1", w.ErrorCount())
	}
	if rig.sink.DiagnosisCount() != 1 {
		t.Fatalf("diagnosis count %d, want 1", rig.sink.DiagnosisCount())
	}

	// ProcessError patches the word; a re-check must be clean.
	if errs := w.CrcCheckPage(&pe); errs != 0 {
		t.Fatalf("corruption not patched: re-check found %d errors", errs)
	}
	rig.pool.PutValid(pe)
}

func TestBlockErrorClassification(t *testing.T) {
	rig := newTestRig(t, 2)
	w := rig.newWorker(t)

	patA := rig.patterns.Get(0)
	var patB *pattern.Pattern
	for i := 1; i < rig.patterns.Size(); i++ {
		patB = rig.patterns.Get(i)
		if patB != patA {
			break
		}
	}

	rig.fillValidPage(t, w, patA)
	pe, ok := rig.pool.GetValid(pool.DontCareTag)
	if !ok {
		t.Fatal("GetValid failed")
	}

	// Overwrite a contiguous span of the first block with pattern B; more
	// than the error cap so the page-error path engages and the block
	// matcher runs.
	lo, hi := 100, 450
	for i := lo; i <= hi; i++ {
		pe.Words[i] = uint64(patB.Word(2*i)) | uint64(patB.Word(2*i+1))<<32
	}

	errs := w.CheckRegion(pe.Words[:512], patA, 0, 0, 0)
	if errs != hi-lo+1 {
		t.Fatalf("expected %d miscompares, got %d", hi-lo+1, errs)
	}

	found := false
	for _, e := range rig.hook.AllEntries() {
		if strings.Contains(e.Message, "Block Error:") &&
			strings.Contains(e.Message, patB.Name()) &&
			strings.Contains(e.Message, patA.Name()) {
			found = true
		}
	}
	if !found {
		t.Fatal("no block error naming both patterns was reported")
	}

	// Every bad word was patched back to pattern A.
	if errs := w.CheckRegion(pe.Words[:512], patA, 0, 0, 0); errs != 0 {
		t.Fatalf("region not patched: %d residual errors", errs)
	}
	rig.pool.PutValid(pe)
}

func TestScatteredCorruptionIsNotBlockError(t *testing.T) {
	rig := newTestRig(t, 2)
	w := rig.newWorker(t)

	patA := rig.patterns.Get(0)
	rig.fillValidPage(t, w, patA)
	pe, _ := rig.pool.GetValid(pool.DontCareTag)

	// Random garbage over the error cap: a page error, but matching no
	// catalog pattern.
	for i := 0; i < 200; i++ {
		pe.Words[i*2] ^= 0xdeadbeef12345678
	}
	w.CheckRegion(pe.Words[:512], patA, 0, 0, 0)

	if rig.logsContain("Block Error:") {
		t.Fatal("scattered corruption misclassified as a block error")
	}
	rig.pool.PutValid(pe)
}

func TestCrcCopyPage(t *testing.T) {
	rig := newTestRig(t, 4)
	w := rig.newWorker(t)

	rig.fillValidPage(t, w, rig.patterns.Get(2))
	src, ok := rig.pool.GetValid(pool.DontCareTag)
	if !ok {
		t.Fatal("GetValid failed")
	}
	dst, ok := rig.pool.GetEmpty(pool.DontCareTag)
	if !ok {
		t.Fatal("GetEmpty failed")
	}

	if errs := w.CrcCopyPage(&dst, &src); errs != 0 {
		t.Fatalf("clean copy reported %d errors", errs)
	}
	if dst.Pattern != src.Pattern {
		t.Fatal("destination did not inherit the source pattern")
	}
	for i := range src.Words {
		if dst.Words[i] != src.Words[i] {
			t.Fatalf("word %d not copied", i)
		}
	}

	rig.pool.PutValid(dst)
	rig.pool.PutEmpty(src)
}

func TestCrcCopyPageReportsSourceCorruption(t *testing.T) {
	rig := newTestRig(t, 4)
	w := rig.newWorker(t)

	rig.fillValidPage(t, w, rig.patterns.Get(0))
	src, _ := rig.pool.GetValid(pool.DontCareTag)
	dst, _ := rig.pool.GetEmpty(pool.DontCareTag)

	src.Words[17] ^= 0xff00
	if errs := w.CrcCopyPage(&dst, &src); errs != 1 {
		t.Fatalf("expected 1 error, got %d", errs)
	}

	// The destination was refilled from the pattern, so it must verify.
	if errs := w.CrcCheckPage(&dst); errs != 0 {
		t.Fatalf("destination carries corruption after refill: %d errors", errs)
	}

	rig.pool.PutValid(dst)
	rig.pool.PutEmpty(src)
}

func TestInjectionSemantics(t *testing.T) {
	// The controller's injection rewrites a page's pattern reference
	// without touching data; the next verification must notice.
	rig := newTestRig(t, 2)
	w := rig.newWorker(t)

	patA := rig.patterns.Get(2)
	rig.fillValidPage(t, w, patA)

	pe, _ := rig.pool.GetValid(pool.DontCareTag)
	pe.Pattern = rig.patterns.Get(0)
	rig.pool.PutValid(pe)

	pe, _ = rig.pool.GetValid(pool.DontCareTag)
	if errs := w.CrcCheckPage(&pe); errs == 0 {
		t.Fatal("pattern-reference injection went undetected")
	}
	rig.pool.PutValid(pe)
}

func TestTagModeFillAndCheck(t *testing.T) {
	rig := newTestRig(t, 2)
	rig.env.TagMode = true
	w := rig.newWorker(t)

	rig.fillValidPage(t, w, rig.patterns.Get(0))
	pe, _ := rig.pool.GetValid(pool.DontCareTag)

	if errs := w.CrcCheckPage(&pe); errs != 0 {
		t.Fatalf("clean tag-mode page reported %d errors", errs)
	}

	// Flip a tag-bearing word; the diagnosis must reference the tag
	// address.
	pe.Words[64] ^= 0x100
	w.CrcCheckPage(&pe)
	if w.ErrorCount() == 0 {
		t.Fatal("tag corruption went undetected")
	}
	if !rig.logsContain("Tag from") {
		t.Fatal("tag miscompare did not reference the tag address")
	}
	rig.pool.PutValid(pe)
}

func TestSimpleRandomCycles(t *testing.T) {
	seen := make(map[uint64]bool)
	r := uint64(1)
	for i := 0; i < 10000; i++ {
		r = simpleRandom(r)
		if r == 0 {
			t.Fatal("LFSR collapsed to zero")
		}
		if seen[r] {
			t.Fatalf("LFSR cycled after %d steps", i)
		}
		seen[r] = true
	}
}

func TestCacheCoherencySlotMirroring(t *testing.T) {
	ct := &CacheCoherencyThread{threadNum: 3, threadCount: 8}
	// Odd thread in an odd line uses the mirrored slot.
	if got := ct.slotFor(1); got != 5 {
		t.Fatalf("odd line slot %d, want 5", got)
	}
	// Even lines keep the natural slot.
	if got := ct.slotFor(2); got != 3 {
		t.Fatalf("even line slot %d, want 3", got)
	}

	even := &CacheCoherencyThread{threadNum: 2, threadCount: 8}
	if got := even.slotFor(1); got != 2 {
		t.Fatalf("even thread slot %d, want 2", got)
	}
}

func TestCheckThreadDrainsPoolOnStop(t *testing.T) {
	rig := newTestRig(t, 4)
	w := rig.newWorker(t)
	for i := 0; i < 4; i++ {
		rig.fillValidPage(t, w, rig.patterns.Get(0))
	}

	c := coord.New()
	c.AddWorkers(1)
	c.Init()
	c.Stop()

	ct := NewCheckThread()
	ct.Init(1, &rig.env, c, rig.step, 1, 0)
	if !ct.Work() {
		t.Fatal("check thread reported failure")
	}
	if ct.PageCount() != 4 {
		t.Fatalf("check thread drained %d pages, want 4", ct.PageCount())
	}
	if _, ok := rig.pool.GetValid(pool.DontCareTag); ok {
		t.Fatal("valid pages remain after the drain")
	}
	c.Destroy()
}
