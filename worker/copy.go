package worker

import (
	"math/rand"
)

// CopyThread moves pages: valid source to empty destination through the
// checksumming copy, with the destination inheriting the source pattern.
type CopyThread struct {
	Worker
	rng *rand.Rand
}

// NewCopyThread creates a memory copy thread.
func NewCopyThread(seed int64) *CopyThread {
	t := &CopyThread{rng: rand.New(rand.NewSource(seed))}
	t.typeName = "Memory Copy Thread"
	return t
}

// Work runs the copy loop until stopped.
func (t *CopyThread) Work() bool {
	t.status = true
	t.step.Debugf("%s #%d: starting, cpus %v, tag 0x%x, warming %v",
		t.typeName, t.id, t.cpuList, t.tag, t.env.Warm)

	loops := int64(0)
	for t.IsReadyToRun() {
		src, ok := t.env.Pool.GetValid(t.tag)
		if !ok {
			t.YieldSelf()
			continue
		}
		dst, ok := t.env.Pool.GetEmpty(t.tag)
		if !ok {
			t.env.Pool.PutValid(src)
			t.YieldSelf()
			continue
		}

		if t.env.Injection && t.rng.Intn(50000) == 8 {
			// Flip one byte of the source to exercise the reporting path.
			word := t.rng.Intn(len(src.Words))
			shift := uint(t.rng.Intn(8)) * 8
			src.Words[word] ^= uint64(0xba) << shift
		}

		t.CrcCopyPage(&dst, &src)

		ok = t.env.Pool.PutValid(dst)
		ok = t.env.Pool.PutEmpty(src) && ok
		if !ok {
			t.addProcessError("failed to push pages")
			break
		}

		// Yield so sibling copy threads do not preempt each other inside
		// the copy kernel and thrash the cache.
		t.YieldSelf()
		loops++
	}

	t.pagesCopied.Store(loops)
	t.step.Debugf("%s #%d: status %v, %d pages copied", t.typeName, t.id, t.status, loops)
	return t.status
}
