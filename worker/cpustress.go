package worker

import "math/rand"

// CpuStressThread heats the CPU with a floating-point moving-average
// workload. It touches no pool pages and evaluates no pass/fail; the point
// is power draw, and it keeps running through power-spike pauses.
type CpuStressThread struct {
	Worker
	rng *rand.Rand
}

// NewCpuStressThread creates a CPU stress thread.
func NewCpuStressThread(seed int64) *CpuStressThread {
	t := &CpuStressThread{rng: rand.New(rand.NewSource(seed))}
	t.typeName = "CPU Stress Thread"
	return t
}

// stressWorkload runs one batch of the moving-average calculation.
func (t *CpuStressThread) stressWorkload() {
	var floats [100]float64
	for i := range floats {
		floats[i] = float64(t.rng.Int31())
		if t.rng.Intn(2) == 1 {
			floats[i] *= -1.0
		}
	}

	sum := 0.0
	for i := 0; i < 10_000_000; i++ {
		floats[i%100] = (floats[i%100] + floats[(i+1)%100] + floats[(i+99)%100]) / 3
		sum += floats[i%100]
	}

	if sum == 0.0 {
		// Keeps the loop from being elided; never expected to fire.
		t.step.Debugf("%s #%d: feeling lucky", t.typeName, t.id)
	}
}

// Work loops the workload until stopped.
func (t *CpuStressThread) Work() bool {
	t.step.Debugf("%s #%d: starting", t.typeName, t.id)

	for {
		t.stressWorkload()
		t.YieldSelf()
		if !t.IsReadyToRun() {
			break
		}
	}

	t.status = true
	t.step.Debugf("%s #%d: finished", t.typeName, t.id)
	return true
}
