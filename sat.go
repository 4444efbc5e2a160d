// sat.go holds the controller: setup (allocate, fill, tag regions), the
// timed main loop (status prints, scheduled power spikes, error injection,
// early exits), and teardown (stop, join, post-run check sweep, analysis).
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/opencomputeproject/ocp-diag-sat/config"
	"github.com/opencomputeproject/ocp-diag-sat/coord"
	"github.com/opencomputeproject/ocp-diag-sat/diskblk"
	"github.com/opencomputeproject/ocp-diag-sat/osutil"
	"github.com/opencomputeproject/ocp-diag-sat/pattern"
	"github.com/opencomputeproject/ocp-diag-sat/pool"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
	"github.com/opencomputeproject/ocp-diag-sat/worker"
)

// Worker families, used to group bandwidth reporting.
const (
	kindCopy       = "copy"
	kindFile       = "file"
	kindCheck      = "check"
	kindInvert     = "invert"
	kindNet        = "net"
	kindNetSlave   = "netslave"
	kindDisk       = "disk"
	kindRandomDisk = "randomdisk"
	kindCPU        = "cpu"
	kindCC         = "cc"
	kindCPUFreq    = "cpufreq"
)

const injectionInterval = 10 // seconds

// Sat is the top-level test object.
type Sat struct {
	cfg  config.Config
	sink *sink.Sink
	os   *osutil.Layer

	patterns *pattern.List
	pagePool pool.Pool
	region   []byte
	env      worker.Env

	pages     int64
	freePages int64

	powerSpike *coord.Coordinator
	continuous *coord.Coordinator

	workers map[string][]worker.Thread
	wg      sync.WaitGroup

	blockTables []*diskblk.Table
	ccLines     []worker.CacheLine

	regionMask   int32
	regionCount  int
	regionPages  [32]int64
	totalThreads int

	rng       *rand.Rand
	userBreak atomic.Bool
}

// NewSat constructs the controller. A nil return with error means the
// results sink or the OS layer could not be brought up (exit 255 territory).
func NewSat(cfg config.Config) (*Sat, error) {
	snk, err := sink.New(cfg.Verbosity, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	osl, err := osutil.New()
	if err != nil {
		snk.Close()
		return nil, err
	}
	return &Sat{
		cfg:     cfg,
		sink:    snk,
		os:      osl,
		workers: make(map[string][]worker.Thread),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// resolveMemorySize returns the bytes to test: the explicit -M value, or
// what the host can spare after the reserve.
func (s *Sat) resolveMemorySize(step *sink.Step) int64 {
	if s.cfg.MemoryMB > 0 {
		return s.cfg.MemoryMB * 1024 * 1024
	}

	total := int64(s.os.TotalMemory())
	avail := int64(s.os.AvailableMemory())
	reserve := total / 10
	if s.cfg.ReserveMB > 0 {
		reserve = s.cfg.ReserveMB * 1024 * 1024
	}
	size := total - reserve
	if limit := avail * 95 / 100; size > limit {
		size = limit
	}
	step.Infof("auto-sizing memory under test: total %s, available %s, testing %s",
		config.FormatSize(total), config.FormatSize(avail), config.FormatSize(size))
	return size
}

// Initialize allocates and fills the test memory, builds the pool and tags
// every page with its region. Returns false on any setup failure.
func (s *Sat) Initialize() bool {
	step := s.sink.Step("Setup and Check Environment")

	if s.cfg.ChannelWidth > 0 && len(s.cfg.Channels) > 0 {
		step.Debugf("decoding memory: %dx%d bit channels, %d modules per channel, hash 0x%x",
			len(s.cfg.Channels), s.cfg.ChannelWidth, len(s.cfg.Channels[0]), s.cfg.ChannelHash)
		s.os.SetDramMappingParams(s.cfg.ChannelHash, s.cfg.ChannelWidth, s.cfg.Channels)
	}

	if s.cfg.MonitorMode {
		step.Infof("running in monitor-only mode: no memory will be allocated and no stress applied")
		return true
	}

	size := s.resolveMemorySize(step)
	size = size / s.cfg.PageLength * s.cfg.PageLength
	if size < s.cfg.PageLength {
		step.AddProcessError("memory under test (%d bytes) is smaller than one page", size)
		return false
	}

	if s.cfg.HugepagesMB > 0 {
		step.Infof("hugepages requested: %d MB minimum, %d configured on host",
			s.cfg.HugepagesMB, s.os.NumHugepages())
	}
	region, err := s.os.AllocateTestMem(size, s.cfg.HugepagesMB > 0)
	if err != nil {
		step.AddProcessError("failed to allocate test memory: %v", err)
		return false
	}
	s.region = region

	step.AddMeasurement("Memory to Test", "MB", float64(size)/(1024*1024))
	step.AddMeasurement("Test Run Time", "s", float64(s.cfg.RuntimeSecs))

	s.patterns, err = pattern.NewList(time.Now().UnixNano())
	if err != nil {
		step.AddProcessError("failed to initialize patterns: %v", err)
		return false
	}

	s.pages = size / s.cfg.PageLength
	if s.cfg.CoarseLock {
		s.pagePool = pool.NewOneLock(region, s.cfg.PageLength)
	} else {
		s.pagePool = pool.NewFineLock(region, s.cfg.PageLength)
	}

	diskPages := int(s.cfg.FileSize / s.cfg.PageLength)
	if diskPages < 1 {
		diskPages = 1
	}
	s.env = worker.Env{
		Pool:       s.pagePool,
		Patterns:   s.patterns,
		OS:         s.os,
		PageLength: s.cfg.PageLength,
		CacheLine:  s.os.CacheLineSize(),
		TagMode:    s.cfg.TagMode,
		Strict:     s.cfg.Strict,
		Warm:       s.cfg.Warm,
		Injection:  s.cfg.ErrorInjection || s.cfg.CrazyInjection,
		DiskPages:  diskPages,
	}

	return s.initializePages()
}

// initializePages runs the fill sweep and the region tagging pass.
func (s *Sat) initializePages() bool {
	step := s.sink.Step("Setup and Fill Memory Pages")

	step.AddMeasurement("Total Memory Page Count", "pages", float64(s.pages))

	needed := int64(s.cfg.CopyThreads + s.cfg.InvertThreads + s.cfg.CheckThreads +
		len(s.cfg.NetworkTargets) + len(s.cfg.TestFiles))
	step.AddMeasurement("Required Thread Memory Page Count", "pages", float64(needed))

	// The fine-lock pool searches one array for both kinds, so keep the
	// split near even: roughly 2/5 empty.
	s.freePages = s.pages / 5 * 2
	step.AddMeasurement("Free Memory Page Count", "pages", float64(s.freePages),
		sink.Validator{Type: sink.GreaterThanOrEqual, Value: float64(needed)})

	if s.freePages < needed {
		step.AddProcessError("free pages %d cannot cover the %d pages the configured threads need; "+
			"grow -M or drop thread counts", s.freePages, needed)
		return false
	}
	if s.freePages > s.pages/2 {
		step.AddProcessError("free page target %d exceeds half the pool (%d pages total)", s.freePages, s.pages)
		return false
	}

	// Insert every descriptor; slots are born locked and this unlocks them.
	for i := int64(0); i < s.pages; i++ {
		if !s.pagePool.PutEmpty(pool.Page{Offset: i * s.cfg.PageLength, Tag: pool.InvalidTag}) {
			step.AddProcessError("error while initializing free memory pages")
			return false
		}
	}

	// Fill sweep: short-lived fill threads, one quota each.
	fillCoord := coord.New()
	fillCoord.AddWorkers(s.cfg.FillThreads)
	fillCoord.Init()
	fillStep := s.sink.Step("Fill Memory Pages")

	var fills []*worker.FillThread
	for i := 0; i < s.cfg.FillThreads; i++ {
		quota := s.pages / int64(s.cfg.FillThreads)
		if i == s.cfg.FillThreads-1 {
			quota = s.pages - quota*int64(s.cfg.FillThreads-1)
		}
		t := worker.NewFillThread(quota)
		t.Init(s.totalThreads, &s.env, fillCoord, fillStep, 1, 0)
		s.totalThreads++
		fills = append(fills, t)
	}

	g := new(errgroup.Group)
	for _, t := range fills {
		t := t
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if !t.Work() {
				return fmt.Errorf("fill thread %d failed", t.ThreadID())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fillStep.AddProcessError("memory page fill failed: %v", err)
		return false
	}
	fillCoord.Destroy()
	fillStep.Debugf("done filling memory pages, starting region allocation")

	// Region pass: resolve each page's physical address and region bit,
	// then split the pool into its empty/valid working ratio.
	var pagemapLo, pagemapHi [32]uint64
	for i := int64(0); i < s.pages; i++ {
		pe, ok := s.pagePool.GetValid(pool.InvalidTag)
		if !ok {
			fillStep.AddProcessError("error allocating pages: %d allocated, %d missing", i, s.pages-i)
			return false
		}
		paddr := s.os.VirtualToPhysical(wordPtr(pe.Words))
		region := s.os.FindRegion(paddr)
		s.regionPages[region]++
		pe.Paddr = paddr
		pe.Tag = 1 << region
		s.regionMask |= pe.Tag

		if s.cfg.DoPageMap && paddr != 0 {
			if pagemapLo[region] == 0 || paddr < pagemapLo[region] {
				pagemapLo[region] = paddr
			}
			if paddr+uint64(s.cfg.PageLength) > pagemapHi[region] {
				pagemapHi[region] = paddr + uint64(s.cfg.PageLength)
			}
		}

		if i < s.freePages {
			ok = s.pagePool.PutEmpty(pe)
		} else {
			ok = s.pagePool.PutValid(pe)
		}
		if !ok {
			fillStep.AddProcessError("error reinserting page %d", i)
			return false
		}
	}

	for i := 0; i < 32; i++ {
		if s.regionMask&(1<<i) != 0 {
			s.regionCount++
			fillStep.Debugf("region %d holds %d pages", i, s.regionPages[i])
			if s.cfg.DoPageMap {
				fillStep.Infof("region %d physical range 0x%x-0x%x", i, pagemapLo[i], pagemapHi[i])
			}
		}
	}
	fillStep.Debugf("region mask: 0x%x", s.regionMask)
	return true
}

// regionFind returns the index of the nth set bit of the region mask.
func (s *Sat) regionFind(n int) int {
	for i := 0; i < 32; i++ {
		if s.regionMask&(1<<i) != 0 {
			if n == 0 {
				return i
			}
			n--
		}
	}
	return 0
}

// alternatingCore spreads thread n across cores so neighbours land apart:
// the first half of the threads fill the even cores, the rest the odd ones.
func alternatingCore(n, cores int) int {
	return ((2*n)%cores + ((2*n)/cores)%2) % cores
}

func (s *Sat) addWorker(kind string, c *coord.Coordinator, t worker.Thread) {
	c.AddWorkers(1)
	s.workers[kind] = append(s.workers[kind], t)
}

// initializeThreads builds every configured worker on its coordinator:
// copy/file/disk/cpufreq on the power-spike side, the rest continuous.
func (s *Sat) initializeThreads(step *sink.Step) {
	cores := runtime.NumCPU()
	nodeCPUs := osutil.NodeCPUs()

	// Memory copy threads.
	var copyStep *sink.Step
	if s.cfg.CopyThreads > 0 {
		copyStep = s.sink.Step("Run Memory Copy Threads")
	}
	for i := 0; i < s.cfg.CopyThreads; i++ {
		t := worker.NewCopyThread(s.rng.Int63())
		t.Init(s.totalThreads, &s.env, s.powerSpike, copyStep, 2, 0)
		s.totalThreads++

		if s.regionCount > 1 && s.cfg.RegionMode != config.RegionModeNone {
			region := s.regionFind(i % s.regionCount)
			if region < len(nodeCPUs) {
				t.SetCPUList(nodeCPUs[region])
			}
			if s.cfg.RegionMode == config.RegionModeLocal {
				t.SetTag(1 << region)
			} else {
				t.SetTag(s.regionMask &^ (1 << region))
			}
		} else if s.cfg.CPUThreads+s.cfg.CopyThreads <= cores {
			t.SetCPUList([]int{alternatingCore(i, cores)})
		}
		s.addWorker(kindCopy, s.powerSpike, t)
	}

	// File IO threads.
	var fileStep *sink.Step
	if len(s.cfg.TestFiles) > 0 {
		fileStep = s.sink.Step("Run File IO Threads")
	}
	for _, filename := range s.cfg.TestFiles {
		t := worker.NewFileThread(filename)
		t.Init(s.totalThreads, &s.env, s.powerSpike, fileStep, 1, 2)
		s.totalThreads++
		s.addWorker(kindFile, s.powerSpike, t)
	}

	// Network reflector.
	if s.cfg.ListenThreads > 0 {
		listenStep := s.sink.Step("Listen for Incoming Network IO")
		listenStep.Infof("listening on port %d, local addresses: %v",
			worker.NetworkPort, worker.LocalInterfaceAddrs())
		t := worker.NewNetworkListenThread()
		t.Init(s.totalThreads, &s.env, s.continuous, listenStep, 0, 2)
		s.totalThreads++
		s.addWorker(kindNetSlave, s.continuous, t)
	}

	// Network producers.
	var netStep *sink.Step
	if len(s.cfg.NetworkTargets) > 0 {
		netStep = s.sink.Step("Run Network IO Threads")
	}
	for _, ip := range s.cfg.NetworkTargets {
		t := worker.NewNetworkThread(ip)
		t.Init(s.totalThreads, &s.env, s.continuous, netStep, 0, 2)
		s.totalThreads++
		s.addWorker(kindNet, s.continuous, t)
	}

	// Mid-test check threads.
	var checkStep *sink.Step
	if s.cfg.CheckThreads > 0 {
		checkStep = s.sink.Step("Run Mid-Test Memory Check Threads")
	}
	for i := 0; i < s.cfg.CheckThreads; i++ {
		t := worker.NewCheckThread()
		t.Init(s.totalThreads, &s.env, s.continuous, checkStep, 1, 0)
		s.totalThreads++
		s.addWorker(kindCheck, s.continuous, t)
	}

	// Invert threads.
	var invertStep *sink.Step
	if s.cfg.InvertThreads > 0 {
		invertStep = s.sink.Step("Run Memory Invert Threads")
	}
	for i := 0; i < s.cfg.InvertThreads; i++ {
		t := worker.NewInvertThread()
		t.Init(s.totalThreads, &s.env, s.continuous, invertStep, 4, 0)
		s.totalThreads++
		s.addWorker(kindInvert, s.continuous, t)
	}

	// Disk threads plus their random re-read companions.
	var diskStep *sink.Step
	if len(s.cfg.DiskDevices) > 0 {
		diskStep = s.sink.Step("Run Disk Stress Threads")
	}
	for _, device := range s.cfg.DiskDevices {
		table := diskblk.NewTable(s.rng.Int63())
		s.blockTables = append(s.blockTables, table)

		t := worker.NewDiskThread(table, device, s.rng.Int63())
		t.Init(s.totalThreads, &s.env, s.powerSpike, diskStep, 0, 0)
		s.totalThreads++
		if err := t.SetParameters(s.cfg.ReadBlockSize, s.cfg.WriteBlockSize, s.cfg.SegmentSize,
			s.cfg.CacheSize, s.cfg.BlocksPerSeg, s.cfg.ReadThresholdUS, s.cfg.WriteThreshUS,
			s.cfg.NonDestructive); err != nil {
			diskStep.AddProcessError("disk thread parameters for %s: %v", device, err)
			continue
		}
		s.addWorker(kindDisk, s.powerSpike, t)

		for j := 0; j < s.cfg.RandomThreads; j++ {
			rt := worker.NewRandomDiskThread(table, device, s.rng.Int63())
			rt.Init(s.totalThreads, &s.env, s.powerSpike, diskStep, 0, 0)
			s.totalThreads++
			if err := rt.SetParameters(s.cfg.ReadBlockSize, s.cfg.WriteBlockSize, s.cfg.SegmentSize,
				s.cfg.CacheSize, s.cfg.BlocksPerSeg, s.cfg.ReadThresholdUS, s.cfg.WriteThreshUS,
				s.cfg.NonDestructive); err != nil {
				diskStep.AddProcessError("random disk thread parameters for %s: %v", device, err)
				continue
			}
			s.addWorker(kindRandomDisk, s.powerSpike, rt)
		}
	}

	// CPU stress threads, pinned in reverse so they interleave with the
	// copy threads without overlap.
	var cpuStep *sink.Step
	if s.cfg.CPUThreads > 0 {
		cpuStep = s.sink.Step("Run CPU Stress Threads")
	}
	for i := 0; i < s.cfg.CPUThreads; i++ {
		t := worker.NewCpuStressThread(s.rng.Int63())
		t.Init(s.totalThreads, &s.env, s.continuous, cpuStep, 0, 0)
		s.totalThreads++
		if s.cfg.CPUThreads+s.cfg.CopyThreads <= cores {
			t.SetCPUList([]int{alternatingCore(cores-1-i, cores)})
		}
		s.addWorker(kindCPU, s.continuous, t)
	}

	// Cache coherency threads, one per core over a shared line array.
	if s.cfg.CCTest {
		ccStep := s.sink.Step("Run CPU Cache Coherency Test")
		lineSize := s.cfg.CCLineSize
		if lineSize <= 0 {
			lineSize = s.env.CacheLine
		}
		ccStep.AddMeasurement("Cache Line Size", "bytes", float64(lineSize))

		linesNeeded := (cores + lineSize - 1) / lineSize
		if linesNeeded < 1 {
			linesNeeded = 1
		}
		backing := osutil.AlignedBuffer(int64(lineSize*linesNeeded*s.cfg.CCLineCount), int64(lineSize))
		s.ccLines = make([]worker.CacheLine, s.cfg.CCLineCount)
		for i := range s.ccLines {
			off := i * lineSize * linesNeeded
			s.ccLines[i].Num = backing[off : off+cores]
		}

		for tnum := 0; tnum < cores; tnum++ {
			t := worker.NewCacheCoherencyThread(s.ccLines, tnum, cores, s.cfg.CCIncCount,
				s.cfg.ErrorInjection || s.cfg.CrazyInjection)
			t.Init(s.totalThreads, &s.env, s.continuous, ccStep, 0, 0)
			s.totalThreads++
			t.SetCPUList([]int{tnum})
			s.addWorker(kindCC, s.continuous, t)
		}
	}

	// CPU frequency watchdog; paused along with the power spikes so its
	// sampling restarts cleanly.
	if s.cfg.CPUFreqTest {
		freqStep := s.sink.Step("Run CPU Frequency Test")
		t := worker.NewCpuFreqThread(cores, s.cfg.CPUFreqThreshold, s.cfg.CPUFreqRound)
		t.Init(s.totalThreads, &s.env, s.powerSpike, freqStep, 0, 0)
		s.totalThreads++
		if !t.CanRun() {
			freqStep.AddProcessError("cannot run CPU frequency test: msr interface not available")
		} else {
			s.addWorker(kindCPUFreq, s.powerSpike, t)
		}
	}

	step.Debugf("built %d worker threads", s.totalThreads)
}

func (s *Sat) forEachWorker(fn func(kind string, t worker.Thread)) {
	for kind, threads := range s.workers {
		for _, t := range threads {
			fn(kind, t)
		}
	}
}

// totalErrorCount sums hardware incidents across every worker.
func (s *Sat) totalErrorCount() int64 {
	var total int64
	s.forEachWorker(func(_ string, t worker.Thread) {
		total += t.ErrorCount()
	})
	return total
}

// nextOccurrence keeps scheduled events on a fixed grid anchored at start,
// so they stay predictable across the run.
func nextOccurrence(frequency, start, now int64) int64 {
	return start + frequency + ((now-start)/frequency)*frequency
}

func wordPtr(words []uint64) unsafe.Pointer {
	return unsafe.Pointer(&words[0])
}

// Run drives the whole test and returns overall software health.
func (s *Sat) Run() bool {
	step := s.sink.Step("Run Test Threads")

	// The handler only flips an atomic; the 1 Hz loop observes it.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		s.userBreak.Store(true)
	}()

	s.powerSpike = coord.New()
	s.continuous = coord.New()

	if !s.cfg.MonitorMode {
		s.initializeThreads(step)
	}
	s.powerSpike.Init()
	s.continuous.Init()

	s.forEachWorker(func(_ string, t worker.Thread) {
		worker.Spawn(&s.wg, t, s.cfg.NoAffinity)
	})

	step.Infof("starting countdown with %d seconds", s.cfg.RuntimeSecs)

	start := time.Now().Unix()
	end := start + int64(s.cfg.RuntimeSecs)
	now := start
	nextPrint := start + int64(s.cfg.PrintSecs)
	nextPause := start + int64(s.cfg.PauseDelay)
	// Either injection flag swaps a page's pattern reference on a timer, on
	// top of the worker-level injections (copy threads flip bytes).
	var nextResume, nextInjection int64
	if s.cfg.ErrorInjection || s.cfg.CrazyInjection {
		nextInjection = start + injectionInterval
	}

	for now < end {
		remaining := end - now

		if s.userBreak.Load() {
			step.Infof("user exiting early with %d seconds remaining in test", remaining)
			break
		}

		if s.cfg.MaxErrors != 0 && s.totalErrorCount() > s.cfg.MaxErrors {
			step.Errorf("exiting early with %d seconds remaining due to excessive (%d) errors",
				remaining, s.totalErrorCount())
			break
		}
		if s.cfg.StopOnErrors && s.sink.DiagnosisCount() > 0 {
			step.Errorf("exiting at first diagnosis with %d seconds remaining", remaining)
			break
		}

		if now >= nextPrint {
			step.Infof("%d seconds remaining in test", remaining)
			nextPrint = nextOccurrence(int64(s.cfg.PrintSecs), start, now)
		}

		if nextInjection != 0 && now >= nextInjection && !s.cfg.MonitorMode {
			// Swap a page's pattern reference without touching its data;
			// the next verifier trips over the mismatch.
			step.Debugf("injecting error with %d seconds remaining in test", remaining)
			if pe, ok := s.pagePool.GetValid(pool.DontCareTag); ok {
				pe.Pattern = s.patterns.Get(0)
				s.pagePool.PutValid(pe)
			}
			nextInjection = nextOccurrence(injectionInterval, start, now)
		}

		if nextPause != 0 && now >= nextPause {
			step.Infof("pausing worker threads in preparation for power spike with %d seconds remaining",
				remaining)
			s.powerSpike.Pause()
			step.Debugf("worker threads paused")
			nextPause = 0
			nextResume = now + int64(s.cfg.PauseLength)
		}

		if nextResume != 0 && now >= nextResume {
			step.Infof("resuming worker threads to cause a power spike with %d seconds remaining",
				remaining)
			s.powerSpike.Resume()
			step.Debugf("worker threads resumed")
			nextPause = nextOccurrence(int64(s.cfg.PauseDelay), start, now)
			nextResume = 0
		}

		time.Sleep(time.Second)
		now = time.Now().Unix()
	}

	// A pause in flight would deadlock Stop's rendezvous accounting for
	// workers that already observed Stop; resume first.
	if nextResume != 0 {
		s.powerSpike.Resume()
	}

	s.joinThreads(step)
	if !s.cfg.MonitorMode {
		s.runAnalysis()
	}
	s.powerSpike.Destroy()
	s.continuous.Destroy()

	ok := true
	s.forEachWorker(func(_ string, t worker.Thread) {
		if !t.Status() {
			ok = false
		}
	})
	return ok
}

// joinThreads stops both coordinators, joins every worker and drains the
// pool with a final check sweep.
func (s *Sat) joinThreads(step *sink.Step) {
	step.Debugf("joining worker threads")
	s.powerSpike.Stop()
	s.continuous.Stop()
	s.wg.Wait()

	if s.cfg.MonitorMode {
		return
	}

	s.pagePool.Analyze(s.sink.Step("Queue Statistics"))

	// Post-run sweep: check threads born stopped verify and discard every
	// remaining valid page.
	checkStep := s.sink.Step("Run Post-Test Memory Check Threads")
	checkStep.Debugf("finished countdown, beginning to check results")

	reapCoord := coord.New()
	reapCoord.AddWorkers(s.cfg.FillThreads)
	reapCoord.Init()
	reapCoord.Stop()

	var checks []*worker.CheckThread
	for i := 0; i < s.cfg.FillThreads; i++ {
		t := worker.NewCheckThread()
		t.Init(s.totalThreads, &s.env, reapCoord, checkStep, 1, 0)
		s.totalThreads++
		checks = append(checks, t)
	}

	g := new(errgroup.Group)
	for _, t := range checks {
		t := t
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			t.Work()
			return nil
		})
	}
	g.Wait()
	reapCoord.Destroy()

	var reapErrors int64
	for _, t := range checks {
		reapErrors += t.ErrorCount()
		s.workers[kindCheck] = append(s.workers[kindCheck], t)
	}
	checkStep.Debugf("post-test check found %d hardware incidents", reapErrors)
}

// runAnalysis reports aggregate data moved, bandwidth and incident counts,
// then per-kind breakdowns.
func (s *Sat) runAnalysis() {
	step := s.sink.Step("Run and Report Thread Analysis")

	var totalData, maxRuntime float64
	s.forEachWorker(func(_ string, t worker.Thread) {
		totalData += t.MemoryCopiedMB() + t.DeviceCopiedMB()
		if rt := float64(t.RunDurationUS()) / 1e6; rt > maxRuntime {
			maxRuntime = rt
		}
	})

	step.AddMeasurement("Total Data Copied", "MB", totalData)
	step.AddMeasurement("Run Time", "s", maxRuntime)
	if maxRuntime > 0 {
		step.AddMeasurement("Total Bandwidth", "MB/s", totalData/maxRuntime)
	}
	step.AddMeasurement("Total Hardware Incidents", "incidents", float64(s.totalErrorCount()),
		sink.Validator{Type: sink.Equal, Value: 0})

	report := func(name string, kinds []string, device bool) {
		var data, bandwidth float64
		for _, k := range kinds {
			for _, t := range s.workers[k] {
				if device {
					data += t.DeviceCopiedMB()
					bandwidth += t.DeviceBandwidth()
				} else {
					data += t.MemoryCopiedMB()
					bandwidth += t.MemoryBandwidth()
				}
			}
		}
		step.AddMeasurement(name+" Data Copied", "MB", data)
		step.AddMeasurement(name+" Bandwidth", "MB/s", bandwidth)
	}

	if s.cfg.CopyThreads > 0 {
		report("Memory", []string{kindCopy, kindFile}, false)
	}
	if len(s.cfg.TestFiles) > 0 {
		report("File", []string{kindFile}, true)
	}
	if s.cfg.CheckThreads > 0 || len(s.workers[kindCheck]) > 0 {
		report("Check", []string{kindCheck}, false)
	}
	if len(s.cfg.NetworkTargets) > 0 || s.cfg.ListenThreads > 0 {
		report("Net", []string{kindNet, kindNetSlave}, true)
	}
	if s.cfg.InvertThreads > 0 {
		report("Invert", []string{kindInvert}, false)
	}
	if len(s.cfg.DiskDevices) > 0 {
		report("Disk", []string{kindDisk, kindRandomDisk}, true)
	}
}

// Cleanup releases memory and handles. Safe to call once after Run.
func (s *Sat) Cleanup() {
	if s.region != nil {
		s.os.FreeTestMem(s.region)
		s.region = nil
	}
	s.os.Close()
	s.sink.Close()
}

// ExitCode is 0 for a clean run, 1 when any diagnosis or process error was
// recorded.
func (s *Sat) ExitCode() int {
	if s.sink.DiagnosisCount() > 0 || s.sink.ProcessErrorCount() > 0 {
		return 1
	}
	return 0
}
