// Package worker implements the long-lived worker threads: fill, copy,
// invert, check, CPU stress, cache coherency, CPU frequency, file, network
// and disk. Every kind runs the loop "while the coordinator says run: take
// pages, transform or verify, put pages back" and never propagates failures
// across the coordinator boundary; the controller reads status and counters
// after joining.
package worker

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/opencomputeproject/ocp-diag-sat/coord"
	"github.com/opencomputeproject/ocp-diag-sat/osutil"
	"github.com/opencomputeproject/ocp-diag-sat/pattern"
	"github.com/opencomputeproject/ocp-diag-sat/pool"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
	"github.com/opencomputeproject/ocp-diag-sat/verify"
)

const (
	wordSize  = 8
	blockSize = 4096
	// Word-level miscompares recorded per block before the whole block is
	// declared bad.
	errorLimit = 128
)

// Env is the shared environment every worker receives: the pool, the
// pattern catalog, the OS layer and the run modes that alter kernels.
type Env struct {
	Pool       pool.Pool
	Patterns   *pattern.List
	OS         *osutil.Layer
	PageLength int64
	CacheLine  int
	TagMode    bool
	Strict     bool
	Warm       bool
	Injection  bool // flip bytes inside copy sources to exercise reporting
	DiskPages  int  // pages per file-thread pass
}

// Thread is what the controller holds for every worker.
type Thread interface {
	Work() bool
	TypeName() string
	ThreadID() int
	Status() bool
	ErrorCount() int64
	PageCount() int64
	RunDurationUS() int64
	MemoryCopiedMB() float64
	DeviceCopiedMB() float64
	MemoryBandwidth() float64
	DeviceBandwidth() float64
	CPUList() []int
	Base() *Worker
}

// ErrorRecord is the forensic tuple carried by every data miscompare.
type ErrorRecord struct {
	Actual   uint64
	Reread   uint64
	Expected uint64
	WordPtr  *uint64
	Paddr    uint64
	TagVaddr uint64
	TagPaddr uint64
	Pattern  string
	LastCPU  int
}

// Worker carries the state common to all thread kinds and the verification
// engine's shared kernels.
type Worker struct {
	id       int
	typeName string
	env      *Env
	coord    *coord.Coordinator
	step     *sink.Step

	status      bool
	pagesCopied atomic.Int64
	errorCount  atomic.Int64

	startUS    int64
	durationUS atomic.Int64

	cpuList []int
	tag     int32

	memFactor float64
	devFactor float64

	// Verdict attached to data miscompares; file threads switch it per
	// phase.
	miscompareVerdict string
}

// Init wires the worker; the kind constructor has already named it.
// memFactor/devFactor scale pagesCopied into MB of memory and device
// traffic for the bandwidth report.
func (w *Worker) Init(id int, env *Env, c *coord.Coordinator, step *sink.Step, memFactor, devFactor float64) {
	w.id = id
	w.env = env
	w.coord = c
	w.step = step
	w.memFactor = memFactor
	w.devFactor = devFactor
	w.tag = pool.DontCareTag
	w.miscompareVerdict = sink.MemoryCopyFail
}

// Base exposes the embedded worker for spawn and wiring.
func (w *Worker) Base() *Worker { return w }

// SetCPUList pins the worker to the given cpus at spawn.
func (w *Worker) SetCPUList(cpus []int) { w.cpuList = cpus }

// CPUList returns the planned affinity.
func (w *Worker) CPUList() []int { return w.cpuList }

// SetTag installs the region mask used when acquiring pages.
func (w *Worker) SetTag(tag int32) { w.tag = tag }

// ThreadID returns the worker's id.
func (w *Worker) ThreadID() int { return w.id }

// TypeName returns the display name of the worker kind.
func (w *Worker) TypeName() string { return w.typeName }

// Status reports whether the worker completed without software errors.
func (w *Worker) Status() bool { return w.status }

// ErrorCount returns the hardware incidents this worker observed.
func (w *Worker) ErrorCount() int64 { return w.errorCount.Load() }

// PageCount returns the loop iterations (scaled by kind into bandwidth).
func (w *Worker) PageCount() int64 { return w.pagesCopied.Load() }

// RunDurationUS returns accumulated work time in microseconds.
func (w *Worker) RunDurationUS() int64 { return w.durationUS.Load() }

// rawCopiedMB is pagesCopied scaled by page length, before per-kind
// factors.
func (w *Worker) rawCopiedMB() float64 {
	return float64(w.pagesCopied.Load()) * float64(w.env.PageLength) / (1024 * 1024)
}

// MemoryCopiedMB returns MB of memory traffic caused by this worker.
func (w *Worker) MemoryCopiedMB() float64 {
	return w.rawCopiedMB() * w.memFactor
}

// DeviceCopiedMB returns MB of device traffic caused by this worker.
func (w *Worker) DeviceCopiedMB() float64 {
	return w.rawCopiedMB() * w.devFactor
}

// MemoryBandwidth returns memory MB/s over the worker's run time.
func (w *Worker) MemoryBandwidth() float64 {
	us := w.durationUS.Load()
	if us == 0 {
		return 0
	}
	return w.MemoryCopiedMB() / (float64(us) / 1e6)
}

// DeviceBandwidth returns device MB/s over the worker's run time.
func (w *Worker) DeviceBandwidth() float64 {
	us := w.durationUS.Load()
	if us == 0 {
		return 0
	}
	return w.DeviceCopiedMB() / (float64(us) / 1e6)
}

func (w *Worker) startTimer() { w.startUS = time.Now().UnixMicro() }
func (w *Worker) stopTimer()  { w.durationUS.Add(time.Now().UnixMicro() - w.startUS) }

// IsReadyToRun is the per-iteration coordinator check; it blocks through
// pause cycles.
func (w *Worker) IsReadyToRun() bool {
	keep, _ := w.coord.ShouldContinue()
	return keep
}

// IsReadyToRunPaused also reports whether a pause occurred since the last
// call.
func (w *Worker) IsReadyToRunPaused() (bool, bool) {
	return w.coord.ShouldContinue()
}

// IsReadyToRunNoPause ignores Pause; for socket drains and teardown checks.
func (w *Worker) IsReadyToRunNoPause() bool {
	return w.coord.ShouldContinueNoPause()
}

// YieldSelf gives up the CPU so sibling workers interleave instead of
// preempting each other mid-kernel.
func (w *Worker) YieldSelf() { runtime.Gosched() }

// Spawn launches the worker on a dedicated OS thread, applies its affinity
// and runs Work under the thread timer.
func Spawn(wg *sync.WaitGroup, t Thread, noAffinity bool) {
	w := t.Base()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if !noAffinity && len(w.cpuList) > 0 {
			if err := osutil.PinToCPUs(w.cpuList); err != nil {
				w.step.Warnf("%s #%d: set affinity %v: %v (may require privileges)",
					w.typeName, w.id, w.cpuList, err)
			}
		}

		w.startTimer()
		t.Work()
		w.stopTimer()

		// Leave the coordinator's head count so a worker that exits early
		// never strands a later pause rendezvous.
		w.coord.RemoveSelf()
	}()
}

// unsafeBytes views a word slice as raw bytes for device transfers.
func unsafeBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*wordSize)
}

func patternWord(pat *pattern.Pattern, index int64) uint64 {
	return uint64(pat.Word(int(index))) | uint64(pat.Word(int(index+1)))<<32
}

// addProcessError records a software failure attributed to this worker.
func (w *Worker) addProcessError(format string, args ...interface{}) {
	w.status = false
	w.step.AddProcessError("%s #%d: %s", w.typeName, w.id, fmt.Sprintf(format, args...))
}

// ProcessError reports one data miscompare with the full forensic tuple and
// patches the bad word so the fault does not cascade into later
// verifications.
func (w *Worker) ProcessError(er *ErrorRecord, message string) {
	coreID := osutil.CurrentCPU()

	osutil.FlushHint(er.WordPtr)
	er.Reread = atomic.LoadUint64(er.WordPtr)

	// Locate the first differing byte for the physical address.
	var byteOffset uint
	for byteOffset = 0; byteOffset < wordSize-1; byteOffset++ {
		if byte(er.Expected>>(8*byteOffset)) != byte(er.Actual>>(8*byteOffset)) {
			break
		}
	}
	byteAddr := unsafe.Add(unsafe.Pointer(er.WordPtr), byteOffset)
	er.Paddr = w.env.OS.VirtualToPhysical(byteAddr)
	dimm := w.env.OS.FindDimm(er.Paddr)

	suffix := ""
	if er.Reread == er.Expected {
		suffix = " read error"
	}
	w.errorCount.Add(1)
	w.step.AddDiagnosis(w.miscompareVerdict,
		"%s: miscompare on CPU %d(<-%d) at %p(0x%x:%s): read:0x%016x, reread:0x%016x expected:0x%016x. '%s'%s",
		message, coreID, er.LastCPU, er.WordPtr, er.Paddr, dimm,
		er.Actual, er.Reread, er.Expected, er.Pattern, suffix)

	atomic.StoreUint64(er.WordPtr, er.Expected)
	osutil.FlushHint(er.WordPtr)
}

// ProcessTagError reports an address-tag miscompare: the fault implicates
// the address decode path, so both the word's and the tag's addresses are
// resolved.
func (w *Worker) ProcessTagError(er *ErrorRecord, message string) {
	coreID := osutil.CurrentCPU()

	osutil.FlushHint(er.WordPtr)
	er.Reread = atomic.LoadUint64(er.WordPtr)
	kind := "write error"
	if er.Actual != er.Reread {
		kind = "read error"
	}

	er.Paddr = w.env.OS.VirtualToPhysical(unsafe.Pointer(er.WordPtr))
	er.TagPaddr = w.env.OS.VirtualToPhysical(unsafe.Pointer(uintptr(er.TagVaddr)))
	dimm := w.env.OS.FindDimm(er.Paddr)
	tagDimm := w.env.OS.FindDimm(er.TagPaddr)

	w.errorCount.Add(1)
	w.step.AddDiagnosis(sink.MemoryCopyFail,
		"%s: Tag from 0x%x(0x%x:%s) (%s) miscompare on CPU %d at %p(0x%x:%s): read:0x%016x, reread:0x%016x expected:0x%016x",
		message, er.TagVaddr, er.TagPaddr, tagDimm, kind, coreID,
		er.WordPtr, er.Paddr, dimm, er.Actual, er.Reread, er.Expected)

	atomic.StoreUint64(er.WordPtr, er.Expected)
	osutil.FlushHint(er.WordPtr)
}

// reportTagError adapts a verify.TagErrorFunc callback site into a full
// record. The actual value read is itself the misdirected address.
func (w *Worker) reportTagError(words []uint64, idx int, actual, expected uint64) {
	er := ErrorRecord{
		Actual:   actual,
		Expected: expected,
		WordPtr:  &words[idx],
		TagVaddr: actual,
	}
	w.ProcessTagError(&er, "Hardware Error")
}

// CheckRegion does the word-by-word comparison of a region against its
// pattern and classifies the failure: individual word errors, a page error
// (error queue overflow), or — when a contiguous span matches a different
// catalog pattern exactly — a block error, the signature of DRAM-level
// corruption. patternOffset is the 32-bit stream index the region starts
// at. Returns the number of miscompares found.
func (w *Worker) CheckRegion(words []uint64, pat *pattern.Pattern, lastCPU int, offsetBytes int64, patternOffset int64) int {
	errors := 0
	overflowErrors := 0
	pageError := false
	message := "Hardware Error"
	var recorded []ErrorRecord

	expectedAt := func(i int) uint64 {
		if w.env.TagMode && i&7 == 0 {
			return uint64(uintptr(unsafe.Pointer(&words[i])))
		}
		return patternWord(pat, 2*int64(i)+patternOffset)
	}

	for i := range words {
		actual := words[i]
		expected := expectedAt(i)
		if actual == expected {
			continue
		}
		if errors < errorLimit {
			recorded = append(recorded, ErrorRecord{
				Actual:   actual,
				Expected: expected,
				WordPtr:  &words[i],
				Pattern:  pat.Name(),
				LastCPU:  lastCPU,
			})
			errors++
		} else {
			pageError = true
			w.step.Debugf("%s #%d: error record overflow, too many miscompares", w.typeName, w.id)
			message = "Page Error"
			break
		}
	}

	// A whole-block corruption shows up as "good, then exactly some other
	// pattern, then good again". Worth the scan: it pins the fault to a
	// DRAM chip rather than a bus or CPU.
	if pageError && !w.env.TagMode {
		const (
			stGood = iota
			stBad
			stGoodAgain
			stNoMatch
		)
		for p := 0; p < w.env.Patterns.Size(); p++ {
			alt := w.env.Patterns.Get(p)
			if alt == pat {
				continue
			}
			state := stGood
			badStart, badEnd := 0, 0

			for i := range words {
				actual := words[i]
				index := 2*int64(i) + patternOffset
				expected := patternWord(pat, index)
				possible := patternWord(alt, index)

				switch state {
				case stGood:
					if actual == expected {
						continue
					}
					if actual == possible {
						badStart, badEnd = i, i
						state = stBad
						continue
					}
					state = stNoMatch
				case stBad:
					if actual == possible {
						badEnd = i
						continue
					}
					if actual == expected {
						state = stGoodAgain
						continue
					}
					state = stNoMatch
				case stGoodAgain:
					if actual == expected {
						continue
					}
					state = stNoMatch
				}
				break
			}

			if state == stGoodAgain || state == stBad {
				blockErrors := badEnd - badStart + 1
				message = "Block Error"
				w.ProcessError(&recorded[0], message)
				w.step.Errorf("Block Error: (%p) pattern %s instead of %s, %d bytes from offset 0x%x to 0x%x",
					&words[badStart], alt.Name(), pat.Name(), blockErrors*wordSize,
					offsetBytes+int64(badStart)*wordSize, offsetBytes+int64(badEnd)*wordSize)
			}
		}
	}

	for i := range recorded {
		w.ProcessError(&recorded[i], message)
	}

	if pageError {
		// The queue overflowed; sweep the rest of the region now that the
		// recorded errors are out.
		for i := range words {
			actual := words[i]
			expected := expectedAt(i)
			if actual == expected {
				continue
			}
			er := ErrorRecord{
				Actual:   actual,
				Expected: expected,
				WordPtr:  &words[i],
				Pattern:  pat.Name(),
				LastCPU:  lastCPU,
			}
			w.ProcessError(&er, message)
			overflowErrors++
		}
	}

	return errors + overflowErrors
}

// CrcCheckPage verifies a page block-by-block against its pattern's
// precomputed checksum, dropping into CheckRegion only for blocks whose
// fast checksum disagrees. Returns the miscompare count.
func (w *Worker) CrcCheckPage(pe *pool.Page) int {
	blockWords := blockSize / wordSize
	blocks := int(w.env.PageLength) / blockSize
	errors := 0

	expected := pe.Pattern.Crc()
	for b := 0; b < blocks; b++ {
		slice := pe.Words[b*blockWords : (b+1)*blockWords]

		var crc verify.Checksum
		var err error
		if w.env.TagMode {
			base := uintptr(unsafe.Pointer(&slice[0]))
			crc, err = verify.AddrCrc(slice, pe.Pattern, base, func(idx int, actual, exp uint64) {
				w.reportTagError(slice, idx, actual, exp)
			})
		} else {
			crc, err = verify.Calculate(slice)
		}
		if err != nil {
			w.addProcessError("checksum: %v", err)
			return errors
		}

		if !crc.Equals(expected) {
			w.step.Debugf("%s #%d: CrcCheckPage falling through to slow compare, CRC mismatch %s != %s",
				w.typeName, w.id, crc, expected)
			count := w.CheckRegion(slice, pe.Pattern, pe.LastCPU, int64(b*blockSize), 0)
			if count == 0 {
				w.step.Warnf("%s #%d: CrcCheckPage CRC mismatch %s != %s, but no miscompares found",
					w.typeName, w.id, crc, expected)
			}
			errors += count
		}
	}

	if leftover := int(w.env.PageLength) % blockSize; leftover != 0 {
		slice := pe.Words[blocks*blockWords:]
		errors += w.CheckRegion(slice, pe.Pattern, pe.LastCPU, int64(blocks*blockSize), 0)
	}
	return errors
}

// CrcCopyPage copies src into dst block-by-block while checksumming the
// data in flight. On a checksum mismatch the source is re-examined with the
// slow comparison; a mismatch that evaporates on rescan is retried against
// the copied data once before being reported as a transient. A destination
// that received corrupt data is refilled from the pattern so the fault
// cannot propagate.
func (w *Worker) CrcCopyPage(dst, src *pool.Page) int {
	blockWords := blockSize / wordSize
	blocks := int(w.env.PageLength) / blockSize
	errors := 0

	expected := src.Pattern.Crc()
	for b := 0; b < blocks; b++ {
		srcSlice := src.Words[b*blockWords : (b+1)*blockWords]
		dstSlice := dst.Words[b*blockWords : (b+1)*blockWords]

		var crc verify.Checksum
		var err error
		if w.env.TagMode {
			srcBase := uintptr(unsafe.Pointer(&srcSlice[0]))
			dstBase := uintptr(unsafe.Pointer(&dstSlice[0]))
			crc, err = verify.AddrMemcpy(dstSlice, srcSlice, src.Pattern, srcBase, dstBase,
				func(idx int, actual, exp uint64) { w.reportTagError(srcSlice, idx, actual, exp) },
				func(idx int, actual, exp uint64) { w.reportTagError(dstSlice, idx, actual, exp) })
		} else if w.env.Warm {
			crc, err = verify.WarmMemcpy(dstSlice, srcSlice)
		} else {
			crc, err = verify.Memcpy(dstSlice, srcSlice)
		}
		if err != nil {
			w.addProcessError("checksum copy: %v", err)
			return errors
		}

		if crc.Equals(expected) {
			continue
		}
		w.step.Debugf("%s #%d: CrcCopyPage falling through to slow compare, CRC mismatch %s != %s",
			w.typeName, w.id, crc, expected)
		count := w.CheckRegion(srcSlice, src.Pattern, src.LastCPU, int64(b*blockSize), 0)
		if count == 0 {
			w.step.Warnf("%s #%d: CrcCopyPage CRC mismatch %s != %s, but no miscompares found. Retrying with fresh data",
				w.typeName, w.id, crc, expected)
			if !w.env.TagMode {
				// Re-check against the data captured during the copy; it
				// holds whatever corruption the checksum saw.
				copy(srcSlice, dstSlice)
				count = w.CheckRegion(srcSlice, src.Pattern, src.LastCPU, int64(b*blockSize), 0)
				if count == 0 {
					w.step.Warnf("%s #%d: CPU %d CrcCopyPage CRC mismatch %s != %s, but no miscompares found on second pass",
						w.typeName, w.id, osutil.CurrentCPU(), crc, expected)
				}
			}
		}
		errors += count
	}

	if leftover := int(w.env.PageLength) % blockSize; leftover != 0 {
		srcSlice := src.Words[blocks*blockWords:]
		dstSlice := dst.Words[blocks*blockWords:]
		errors += w.CheckRegion(srcSlice, src.Pattern, src.LastCPU, int64(blocks*blockSize), 0)
		copy(dstSlice, srcSlice)
	}

	dst.Pattern = src.Pattern
	dst.LastCPU = osutil.CurrentCPU()

	if errors > 0 {
		w.FillPage(dst)
	}
	return errors
}

// FillPage writes dst's pattern into its memory, with address tags when tag
// mode is on.
func (w *Worker) FillPage(pe *pool.Page) bool {
	if pe.Pattern == nil {
		w.step.Errorf("%s #%d: attempted to fill a page without a pattern", w.typeName, w.id)
		return false
	}
	pe.LastCPU = osutil.CurrentCPU()

	if w.env.TagMode {
		base := uintptr(unsafe.Pointer(&pe.Words[0]))
		for i := range pe.Words {
			if i&7 == 0 {
				pe.Words[i] = verify.TagOf(base, i)
			} else {
				pe.Words[i] = patternWord(pe.Pattern, 2*int64(i))
			}
		}
	} else {
		pe.Pattern.Fill(pe.Words)
	}
	return true
}
