package worker

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

// Feedback polynomial x^64 + x^63 + x^61 + x^60 + 1; cycles through all
// 2^64-1 nonzero states.
const ccRandomPolynomial = 0xD800000000000000

// CacheLine is one shared record: a counter slot per thread, padded to
// cache-line size by the controller's allocation.
type CacheLine struct {
	Num []uint8
}

// CacheCoherencyThread hammers the coherency protocol: every thread
// increments its own slot in randomly chosen shared cache lines, then
// audits that the low 8 bits of its slots sum to the increment count.
type CacheCoherencyThread struct {
	Worker
	lines       []CacheLine
	threadNum   int
	threadCount int
	incCount    int
	injection   bool
}

// NewCacheCoherencyThread creates one coherency thread over the shared
// line array.
func NewCacheCoherencyThread(lines []CacheLine, threadNum, threadCount, incCount int, injection bool) *CacheCoherencyThread {
	t := &CacheCoherencyThread{
		lines:       lines,
		threadNum:   threadNum,
		threadCount: threadCount,
		incCount:    incCount,
		injection:   injection,
	}
	t.typeName = "CPU Cache Coherency Thread"
	return t
}

// simpleRandom steps a linear feedback shift register. Cheap enough to stay
// in registers, keeping the increment loop tight.
func simpleRandom(seed uint64) uint64 {
	return (seed >> 1) ^ (-(seed & 1) & ccRandomPolynomial)
}

// slotFor picks this thread's slot in a line. Odd threads use the mirrored
// slot in odd lines, maximizing physical distance between a thread's slots
// on large-core-count parts.
func (t *CacheCoherencyThread) slotFor(line int) int {
	if line&t.threadNum&1 == 1 {
		return (t.threadCount &^ 1) - t.threadNum
	}
	return t.threadNum
}

// Work runs increment/audit rounds until stopped, then reports the
// increment rate.
func (t *CacheCoherencyThread) Work() bool {
	t.step.Debugf("%s #%d: starting", t.typeName, t.id)

	r := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(t.threadNum)<<32)).Uint64()
	if r == 0 {
		r = uint64(t.threadNum) + 1
	}

	start := time.Now()
	totalInc := uint64(0)

	for t.IsReadyToRun() {
		for i := 0; i < t.incCount; i++ {
			r = simpleRandom(r)
			line := int(r % uint64(len(t.lines)))
			t.lines[line].Num[t.slotFor(line)]++
		}
		totalInc += uint64(t.incCount)

		// Audit: this thread's slots across all lines must sum to the
		// increment count. Slots are reset for the next round as they are
		// read.
		sum := 0
		for line := range t.lines {
			slot := t.slotFor(line)
			sum += int(t.lines[line].Num[slot])
			t.lines[line].Num[slot] = 0
		}
		if t.injection {
			sum = -1
		}

		// Only the low byte is compared; a real coherency failure off by a
		// multiple of 256 across every core is vanishingly unlikely.
		if sum&0xff != t.incCount&0xff {
			t.errorCount.Add(1)
			t.step.AddDiagnosis(sink.CacheCoherencyFail,
				"%s #%d: global (%d) and local (%d) cacheline counters do not match",
				t.typeName, t.id, sum, t.incCount)
		}
	}

	elapsed := time.Since(start)
	incRate := float64(totalInc) / elapsed.Seconds()
	t.step.AddMeasurement(fmt.Sprintf("Cache Coherency Thread %d Runtime", t.threadNum),
		"us", float64(elapsed.Microseconds()))
	t.step.AddMeasurement(fmt.Sprintf("Cache Coherency Thread %d Total Increments", t.threadNum),
		"increments", float64(totalInc))
	t.step.AddMeasurement(fmt.Sprintf("Cache Coherency Thread %d Increment Rate", t.threadNum),
		"increment / second", incRate)

	t.status = true
	t.step.Debugf("%s #%d: finished", t.typeName, t.id)
	return true
}
