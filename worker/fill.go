package worker

import "github.com/opencomputeproject/ocp-diag-sat/pool"

// FillThread populates empty pages with random patterns during setup. Each
// thread fills its quota and exits; the controller joins the sweep before
// spawning the persistent workers.
type FillThread struct {
	Worker
	pagesToFill int64
}

// NewFillThread creates a fill thread with its round-robin share of pages.
func NewFillThread(pagesToFill int64) *FillThread {
	t := &FillThread{pagesToFill: pagesToFill}
	t.typeName = "Memory Page Fill Thread"
	return t
}

func (t *FillThread) fillPageRandom(pe *pool.Page) bool {
	if t.env.Patterns == nil || t.env.Patterns.Size() == 0 {
		t.step.Errorf("%s #%d: no data patterns available", t.typeName, t.id)
		return false
	}
	pe.Pattern = t.env.Patterns.Random()
	return t.FillPage(pe)
}

// Work fills pages until the quota is reached or the pool runs dry.
func (t *FillThread) Work() bool {
	t.status = true
	t.step.Debugf("%s #%d: starting, %d pages to fill", t.typeName, t.id, t.pagesToFill)

	loops := int64(0)
	for t.IsReadyToRun() && loops < t.pagesToFill {
		pe, ok := t.env.Pool.GetEmpty(pool.DontCareTag)
		if !ok {
			t.addProcessError("failed to pop pages, exiting thread")
			break
		}
		if !t.fillPageRandom(&pe) {
			t.env.Pool.PutEmpty(pe)
			t.status = false
			break
		}
		if !t.env.Pool.PutValid(pe) {
			t.addProcessError("failed to push pages, exiting thread")
			break
		}
		loops++
	}

	t.pagesCopied.Store(loops)
	t.step.Debugf("%s #%d: completed, status %v, filled %d pages", t.typeName, t.id, t.status, loops)
	return t.status
}
