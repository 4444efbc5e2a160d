// pool/types.go
package pool

import (
	"unsafe"

	"github.com/opencomputeproject/ocp-diag-sat/pattern"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

// Tag value indicating no region preference.
const DontCareTag int32 = -1

// Tag marking a page whose region has not been resolved yet.
const InvalidTag int32 = 0xf001

// Page describes one unit of testable memory. A page is identified by its
// stable offset into the test region; the word slice is recomputed on every
// acquisition and cleared on release, so addresses never leak between
// acquisitions.
type Page struct {
	Offset int64    // byte offset into the test region, multiple of page length
	Words  []uint64 // view into the test region; valid only while held
	Paddr  uint64   // physical address observed at fill time
	Tag    int32    // bitmask of the NUMA region the page lives in

	Pattern     *pattern.Pattern // nil means the page is empty
	LastPattern *pattern.Pattern // pattern seen at the previous acquisition
	Touch       uint32           // times this page was returned by a valid Get
	TS          int64            // unix time of the last valid acquisition
	LastCPU     int              // cpu that last wrote the page contents
}

// Valid reports whether the page carries a pattern.
func (p *Page) Valid() bool { return p.Pattern != nil }

// Pool is the container worker threads draw pages from. Implementations
// guarantee exclusive ownership between a successful Get and the matching
// Put.
type Pool interface {
	GetValid(tagMask int32) (Page, bool)
	GetEmpty(tagMask int32) (Page, bool)
	PutValid(pe Page) bool
	PutEmpty(pe Page) bool
	FindByPhysical(paddr uint64) (Page, bool)
	Analyze(step *sink.Step)
	PageLength() int64
	NumPages() int64
}

// wordsAt reinterprets a page-sized span of the region as 64-bit words.
func wordsAt(region []byte, offset, length int64) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&region[offset])), length/8)
}
