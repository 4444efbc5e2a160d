package worker

import "github.com/opencomputeproject/ocp-diag-sat/pool"

// CheckThread verifies page contents against their patterns. While the run
// is live it returns pages valid; once stop is set it returns them empty,
// so a post-run sweep of check threads drains the pool to nothing.
type CheckThread struct {
	Worker
}

// NewCheckThread creates a memory check thread.
func NewCheckThread() *CheckThread {
	t := &CheckThread{}
	t.typeName = "Memory Page Check Thread"
	return t
}

// Work checks pages until stopped and the pool holds no more valid pages.
func (t *CheckThread) Work() bool {
	t.status = true
	t.step.Debugf("%s #%d: starting", t.typeName, t.id)

	loops := int64(0)
	for {
		pe, ok := t.env.Pool.GetValid(pool.DontCareTag)
		if !ok {
			if !t.IsReadyToRunNoPause() {
				// Stopped and nothing left to verify.
				break
			}
			t.YieldSelf()
			continue
		}

		t.CrcCheckPage(&pe)

		if t.IsReadyToRunNoPause() {
			ok = t.env.Pool.PutValid(pe)
		} else {
			ok = t.env.Pool.PutEmpty(pe)
		}
		if !ok {
			t.addProcessError("check thread failed to push pages")
			break
		}
		loops++
	}

	t.pagesCopied.Store(loops)
	t.step.Debugf("%s #%d: completed, status %v, %d pages checked", t.typeName, t.id, t.status, loops)
	return t.status
}
