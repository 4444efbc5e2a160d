package worker

import (
	"fmt"
	"time"

	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

// MSR addresses sampled by the frequency watchdog.
const (
	msrTsc   = 0x10
	msrAperf = 0xE8
	msrMperf = 0xE7
)

const (
	freqStartupDelay  = 5 * time.Second
	freqIntervalPause = 10 * time.Second
)

// CpuFreqThread checks that no core's effective frequency drops below a
// threshold, computed from TSC/APERF/MPERF deltas sampled every interval.
// It rides the power-spike coordinator so pauses reset its sampling.
type CpuFreqThread struct {
	Worker
	numCPUs   int
	threshold int
	round     int
	roundVal  float64
}

// NewCpuFreqThread creates the frequency watchdog.
func NewCpuFreqThread(numCPUs, threshold, round int) *CpuFreqThread {
	t := &CpuFreqThread{numCPUs: numCPUs, threshold: threshold, round: round}
	if round <= 0 {
		// Rounding off still rounds to the nearest MHz.
		t.round = 1
		t.roundVal = 0.5
	} else {
		t.roundVal = float64(round) / 2.0
	}
	t.typeName = "CPU Frequency Thread"
	return t
}

type cpuFreqSample struct {
	msrs [3]uint64
	when time.Time
}

// CanRun reports whether the msr interface is present; without it the test
// is skipped with a process error at setup.
func (t *CpuFreqThread) CanRun() bool {
	return t.env.OS.HasMSR()
}

func (t *CpuFreqThread) getMsrs(cpu int, s *cpuFreqSample) bool {
	for i, addr := range []uint32{msrTsc, msrAperf, msrMperf} {
		v, err := t.env.OS.ReadMSR(cpu, addr)
		if err != nil {
			return false
		}
		s.msrs[i] = v
	}
	s.when = time.Now()
	return true
}

// computeFrequency turns two samples into a rounded MHz value. Returns
// false when a counter went backwards or the interval is unusable.
func (t *CpuFreqThread) computeFrequency(current, previous *cpuFreqSample) (int, bool) {
	var delta [3]uint64
	for i := range delta {
		if previous.msrs[i] > current.msrs[i] {
			t.step.Warnf("%s #%d: msr %d went backwards 0x%x to 0x%x, skipping interval",
				t.typeName, t.id, i, previous.msrs[i], current.msrs[i])
			return 0, false
		}
		delta[i] = current.msrs[i] - previous.msrs[i]
	}
	if delta[0] < 1000*1000 {
		t.step.Warnf("%s #%d: insanely slow TSC rate, TSC stops in idle?", t.typeName, t.id)
		return 0, false
	}
	if delta[2] == 0 {
		return 0, false
	}

	interval := current.when.Sub(previous.when).Seconds()
	freq := float64(delta[0]) / 1e6 * float64(delta[1]) / float64(delta[2]) / interval

	computed := int(freq + t.roundVal)
	return computed - computed%t.round, true
}

// Work samples all cores until stopped, reporting per-core frequency
// series and diagnosing any core under threshold.
func (t *CpuFreqThread) Work() bool {
	t.status = true

	series := make([]*sink.Series, t.numCPUs)
	for cpu := range series {
		series[cpu] = t.step.Series(
			fmt.Sprintf("CPU Core %d Frequency", cpu), "MHz",
			sink.Validator{Type: sink.GreaterThanOrEqual, Value: float64(t.threshold)})
	}

	samples := [2][]cpuFreqSample{
		make([]cpuFreqSample, t.numCPUs),
		make([]cpuFreqSample, t.numCPUs),
	}
	curr, prev := 0, 1
	intervals := 0
	pass := true

	for {
		keep, paused := t.IsReadyToRunPaused()
		if !keep {
			break
		}
		if paused {
			// Counters drifted across the pause; restart the sampling.
			intervals = 0
		}
		if intervals == 0 {
			time.Sleep(freqStartupDelay)
		}

		valid := true
		for cpu := 0; cpu < t.numCPUs; cpu++ {
			if !t.getMsrs(cpu, &samples[curr][cpu]) {
				t.step.Warnf("%s #%d: failed to get msrs on CPU %d", t.typeName, t.id, cpu)
				valid = false
				break
			}
		}
		if !valid {
			intervals = 0
			continue
		}
		intervals++

		if intervals > 2 {
			for cpu := 0; cpu < t.numCPUs; cpu++ {
				freq, ok := t.computeFrequency(&samples[curr][cpu], &samples[prev][cpu])
				if !ok {
					t.step.Warnf("%s #%d: cannot get frequency of CPU %d", t.typeName, t.id, cpu)
					intervals = 0
					break
				}
				series[cpu].Add(float64(freq))
				if freq < t.threshold {
					t.errorCount.Add(1)
					pass = false
					t.step.AddDiagnosis(sink.CPUFreqTooLowFail,
						"%s #%d: CPU frequency for core %d is too low: %d MHz < %d MHz",
						t.typeName, t.id, cpu, freq, t.threshold)
				}
			}
		}

		time.Sleep(freqIntervalPause)
		curr, prev = prev, curr
	}

	return pass
}
