package worker

import (
	"github.com/opencomputeproject/ocp-diag-sat/osutil"
	"github.com/opencomputeproject/ocp-diag-sat/pool"
)

// InvertThread stresses cache and memory by bitwise-inverting pages in
// place: down, up, down, up, with cache-line flushes between strides. Two
// full double-inversions return the page to its original bits, so the
// page's checksum still holds downstream.
type InvertThread struct {
	Worker
}

// NewInvertThread creates a memory invert thread.
func NewInvertThread() *InvertThread {
	t := &InvertThread{}
	t.typeName = "Memory Page Invert Thread"
	return t
}

func (t *InvertThread) invertPageDown(pe *pool.Page) {
	flushWords := t.env.CacheLine / wordSize
	if flushWords < 1 {
		flushWords = 8
	}

	osutil.FlushSync()
	for i := len(pe.Words); i > 0; i -= flushWords {
		low := i - flushWords
		if low < 0 {
			low = 0
		}
		for j := i - 1; j >= low; j-- {
			pe.Words[j] = ^pe.Words[j]
		}
		osutil.FlushHint(&pe.Words[low])
	}
	osutil.FlushSync()
	pe.LastCPU = osutil.CurrentCPU()
}

func (t *InvertThread) invertPageUp(pe *pool.Page) {
	flushWords := t.env.CacheLine / wordSize
	if flushWords < 1 {
		flushWords = 8
	}

	osutil.FlushSync()
	for i := 0; i < len(pe.Words); i += flushWords {
		for j := i; j < i+flushWords && j < len(pe.Words); j++ {
			pe.Words[j] = ^pe.Words[j]
		}
		osutil.FlushHint(&pe.Words[i])
	}
	osutil.FlushSync()
	pe.LastCPU = osutil.CurrentCPU()
}

// Work runs the invert loop until stopped.
func (t *InvertThread) Work() bool {
	t.status = true
	t.step.Debugf("%s #%d: starting", t.typeName, t.id)

	loops := int64(0)
	for t.IsReadyToRun() {
		src, ok := t.env.Pool.GetValid(pool.DontCareTag)
		if !ok {
			t.YieldSelf()
			continue
		}

		if t.env.Strict {
			t.CrcCheckPage(&src)
		}

		t.invertPageDown(&src)
		t.YieldSelf()
		t.invertPageUp(&src)
		t.YieldSelf()
		t.invertPageDown(&src)
		t.YieldSelf()
		t.invertPageUp(&src)
		t.YieldSelf()

		if t.env.Strict {
			t.CrcCheckPage(&src)
		}

		if !t.env.Pool.PutValid(src) {
			t.addProcessError("failed to push pages")
			break
		}
		loops++
	}

	t.pagesCopied.Store(loops * 2)
	t.step.Debugf("%s #%d: completed, status %v, %d pages copied", t.typeName, t.id, t.status, loops*2)
	return t.status
}
