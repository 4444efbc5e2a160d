// Package osutil is the host OS abstraction: test-memory allocation,
// virtual-to-physical translation, NUMA/DRAM topology decode, MSR access,
// cache introspection and CPU affinity. Linux procfs/sysfs paths back most
// of it; on hosts where a path is missing the callers degrade (no DIMM
// labels, no frequency test) rather than fail.
package osutil

import (
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Layer is the per-run OS interface instance.
type Layer struct {
	totalMem   uint64
	numNodes   int
	regionSize uint64

	channelHash  uint64
	channelWidth int
	channels     [][]string

	pagemapMu sync.Mutex
	pagemap   *os.File

	flushPageCache bool
	hugepageBacked bool
}

// New builds the layer, reading total memory and the NUMA node inventory.
func New() (*Layer, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("read system memory: %w", err)
	}

	l := &Layer{totalMem: vm.Total, numNodes: countNumaNodes()}
	if l.numNodes < 1 {
		l.numNodes = 1
	}
	l.regionSize = l.totalMem / uint64(l.numNodes)
	if l.regionSize == 0 {
		l.regionSize = 1
	}
	return l, nil
}

func countNumaNodes() int {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return 1
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "node") {
			if _, err := strconv.Atoi(name[4:]); err == nil {
				n++
			}
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// TotalMemory returns the physical memory size in bytes.
func (l *Layer) TotalMemory() uint64 { return l.totalMem }

// AvailableMemory returns the memory currently free for allocation.
func (l *Layer) AvailableMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return l.totalMem / 2
	}
	return vm.Available
}

// SetDramMappingParams installs the DRAM decode used for DIMM labelling.
func (l *Layer) SetDramMappingParams(hash uint64, width int, channels [][]string) {
	l.channelHash = hash
	l.channelWidth = width
	l.channels = channels
}

// AllocateTestMem maps the test region. Hugepages are preferred when
// requested; the fallback is anonymous memory with transparent hugepages
// advised.
func (l *Layer) AllocateTestMem(size int64, wantHugepages bool) ([]byte, error) {
	if wantHugepages {
		b, err := unix.Mmap(-1, 0, int(size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
		if err == nil {
			l.hugepageBacked = true
			return b, nil
		}
	}

	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	unix.Madvise(b, unix.MADV_HUGEPAGE)
	return b, nil
}

// HugepageBacked reports whether the test region came from the hugepage
// pool.
func (l *Layer) HugepageBacked() bool { return l.hugepageBacked }

// FreeTestMem releases the test region.
func (l *Layer) FreeTestMem(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// NumHugepages returns the configured hugepage count from procfs, or -1.
func (l *Layer) NumHugepages() int {
	data, err := os.ReadFile("/proc/sys/vm/nr_hugepages")
	if err != nil {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1
	}
	return n
}

// VirtualToPhysical translates a virtual address through
// /proc/self/pagemap. Returns 0 when the translation is unavailable
// (non-root, or the page is not present).
func (l *Layer) VirtualToPhysical(p unsafe.Pointer) uint64 {
	vaddr := uintptr(p)

	l.pagemapMu.Lock()
	defer l.pagemapMu.Unlock()

	if l.pagemap == nil {
		f, err := os.Open("/proc/self/pagemap")
		if err != nil {
			return 0
		}
		l.pagemap = f
	}

	var entry [8]byte
	offset := int64(vaddr/pageSize) * 8
	if _, err := l.pagemap.ReadAt(entry[:], offset); err != nil {
		return 0
	}
	bitsVal := uint64(0)
	for i := 7; i >= 0; i-- {
		bitsVal = bitsVal<<8 | uint64(entry[i])
	}
	if bitsVal&(1<<63) == 0 {
		// Page not present.
		return 0
	}
	pfn := bitsVal & ((1 << 55) - 1)
	return pfn*pageSize + uint64(vaddr%pageSize)
}

// Close releases file handles held by the layer.
func (l *Layer) Close() {
	l.pagemapMu.Lock()
	if l.pagemap != nil {
		l.pagemap.Close()
		l.pagemap = nil
	}
	l.pagemapMu.Unlock()
}

// FindRegion maps a physical address to a memory region index. Regions are
// equal slices of physical memory, one per NUMA node.
func (l *Layer) FindRegion(paddr uint64) int32 {
	return int32((paddr / l.regionSize) % 32)
}

// RegionCount returns the number of memory regions.
func (l *Layer) RegionCount() int { return l.numNodes }

// FindDimm renders the DIMM label for a physical address using the
// configured channel decode, or a placeholder when topology is unknown.
func (l *Layer) FindDimm(paddr uint64) string {
	if len(l.channels) == 0 {
		return "DIMM Unknown"
	}
	ch := bits.OnesCount64(paddr&l.channelHash) % len(l.channels)
	modules := l.channels[ch]
	width := l.channelWidth
	if width <= 0 || len(modules) == 0 {
		return fmt.Sprintf("ch %d", ch)
	}
	module := int(paddr/uint64(width)) % len(modules)
	return fmt.Sprintf("%s (ch %d)", modules[module], ch)
}

// CacheLineSize returns the largest coherency line size across cache
// levels, defaulting to 64.
func (l *Layer) CacheLineSize() int {
	max := 0
	for i := 0; i <= 3; i++ {
		path := fmt.Sprintf("/sys/devices/system/cpu/cpu0/cache/index%d/coherency_line_size", i)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && n > max {
			max = n
		}
	}
	if max == 0 {
		max = 64
	}
	return max
}

// HasMSR reports whether the msr device files are readable.
func (l *Layer) HasMSR() bool {
	_, err := os.Stat("/dev/cpu/0/msr")
	return err == nil
}

// ReadMSR reads one model-specific register from a cpu.
func (l *Layer) ReadMSR(cpu int, addr uint32) (uint64, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var buf [8]byte
	if _, err := f.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("read msr 0x%x cpu %d: %w", addr, cpu, err)
	}
	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// WriteMSR writes one model-specific register on a cpu.
func (l *Layer) WriteMSR(cpu int, addr uint32, value uint64) error {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	if _, err := f.WriteAt(buf[:], int64(addr)); err != nil {
		return fmt.Errorf("write msr 0x%x cpu %d: %w", addr, cpu, err)
	}
	return nil
}

// ActivateFlushPageCache arms FlushPageCache. Called when O_DIRECT is
// unavailable and cached reads would defeat the disk test.
func (l *Layer) ActivateFlushPageCache() { l.flushPageCache = true }

// FlushPageCache drops the page cache when armed. A no-op when O_DIRECT
// worked.
func (l *Layer) FlushPageCache() error {
	if !l.flushPageCache {
		return nil
	}
	f, err := os.OpenFile("/proc/sys/vm/drop_caches", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open drop_caches: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("1\n"); err != nil {
		return fmt.Errorf("drop caches: %w", err)
	}
	return nil
}

// PinToCPU binds the calling thread to one cpu. The caller must hold
// runtime.LockOSThread.
func PinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// PinToCPUs binds the calling thread to a cpu set.
func PinToCPUs(cpus []int) error {
	var set unix.CPUSet
	for _, c := range cpus {
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}

// CurrentCPU returns the cpu the calling thread runs on.
func CurrentCPU() int {
	var cpu, node uint32
	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return -1
	}
	return int(cpu)
}

// AlignedBuffer returns a byte slice whose first element sits on an align
// boundary, as O_DIRECT transfers require.
func AlignedBuffer(size, align int64) []byte {
	raw := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := uintptr(align) - addr%uintptr(align)
	if offset == uintptr(align) {
		offset = 0
	}
	return raw[offset : offset+uintptr(size)]
}
