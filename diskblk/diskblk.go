// Package diskblk is the disk block ledger: it tracks which sector ranges
// of a device are owned by in-flight block descriptors, hands out unused
// blocks within a requested segment, and lets random-read threads borrow
// initialized blocks without disturbing the writer that owns them.
package diskblk

import (
	"math/rand"
	"sync"

	"github.com/opencomputeproject/ocp-diag-sat/pattern"
)

// Number of random placement attempts before GetUnusedBlock gives up.
const blockRetry = 100

// Block describes one in-flight sector range.
type Block struct {
	address int64 // first sector
	size    int64 // bytes

	mu          sync.Mutex
	pattern     *pattern.Pattern
	magic       byte
	pass        int
	initialized bool
	references  int
	removed     bool
}

// SetStamp records the sector-tag identity written into the block.
func (b *Block) SetStamp(magic byte, pass int) {
	b.mu.Lock()
	b.magic = magic
	b.pass = pass
	b.mu.Unlock()
}

// Stamp returns the sector-tag identity for readback validation.
func (b *Block) Stamp() (byte, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.magic, b.pass
}

// Address returns the first sector of the block.
func (b *Block) Address() int64 { return b.address }

// Size returns the block length in bytes.
func (b *Block) Size() int64 { return b.size }

// SetPattern records the pattern stamped into the block at write time.
func (b *Block) SetPattern(p *pattern.Pattern) {
	b.mu.Lock()
	b.pattern = p
	b.mu.Unlock()
}

// Pattern returns the stamped pattern.
func (b *Block) Pattern() *pattern.Pattern {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pattern
}

// SetInitialized marks the block readable: written, or enqueued untouched
// in non-destructive mode.
func (b *Block) SetInitialized() {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
}

// Initialized reports whether the block may be read back.
func (b *Block) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// Table is the per-device ledger, shared by every disk thread touching the
// same device.
type Table struct {
	mu  sync.Mutex
	rng *rand.Rand

	sectorSize     int64
	writeBlockSize int64
	deviceSectors  int64
	segmentSectors int64 // -1 means the whole device is one segment
	device         string

	inUse map[int64]*Block
}

// NewTable creates an empty ledger.
func NewTable(seed int64) *Table {
	return &Table{
		rng:   rand.New(rand.NewSource(seed)),
		inUse: make(map[int64]*Block),
	}
}

// SetParameters installs the device geometry. Called by the disk thread
// that owns writes for the device.
func (t *Table) SetParameters(sectorSize, writeBlockSize, deviceSectors, segmentSectors int64, device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sectorSize = sectorSize
	t.writeBlockSize = writeBlockSize
	t.deviceSectors = deviceSectors
	t.segmentSectors = segmentSectors
	t.device = device
}

// Device returns the device name the ledger serves.
func (t *Table) Device() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}

// NumSegments returns the segment count implied by the geometry.
func (t *Table) NumSegments() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.segmentSectors <= 0 {
		return 1
	}
	n := t.deviceSectors / t.segmentSectors
	if t.deviceSectors%t.segmentSectors != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// GetUnusedBlock returns a block-aligned, currently unowned sector range
// inside the given segment, or nil when repeated random placement finds
// nothing free. An exhausted segment is not an error; the caller moves on
// and retries when the segment comes around again.
func (t *Table) GetUnusedBlock(segment int64) *Block {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sectorSize <= 0 || t.writeBlockSize <= 0 || t.deviceSectors <= 0 {
		return nil
	}
	blockSectors := t.writeBlockSize / t.sectorSize

	segStart := int64(0)
	segSectors := t.deviceSectors
	if t.segmentSectors > 0 {
		segStart = segment * t.segmentSectors
		segSectors = t.segmentSectors
		if segStart+segSectors > t.deviceSectors {
			segSectors = t.deviceSectors - segStart
		}
	}
	blocksInSegment := segSectors / blockSectors
	if blocksInSegment <= 0 {
		return nil
	}

	for try := 0; try < blockRetry; try++ {
		addr := segStart + t.rng.Int63n(blocksInSegment)*blockSectors
		if _, taken := t.inUse[addr]; taken {
			continue
		}
		b := &Block{address: addr, size: t.writeBlockSize}
		t.inUse[addr] = b
		return b
	}
	return nil
}

// RemoveBlock returns a block to the free pool once no borrower holds it.
func (t *Table) RemoveBlock(b *Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b.mu.Lock()
	b.removed = true
	drop := b.references == 0
	b.mu.Unlock()
	if drop {
		delete(t.inUse, b.address)
	}
}

// GetRandomBlock borrows a random initialized in-flight block for re-read.
// Returns nil when nothing is borrowable.
func (t *Table) GetRandomBlock() *Block {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidates := make([]*Block, 0, len(t.inUse))
	for _, b := range t.inUse {
		if b.Initialized() {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	b := candidates[t.rng.Intn(len(candidates))]
	b.mu.Lock()
	b.references++
	b.mu.Unlock()
	return b
}

// ReleaseBlock ends a borrow started by GetRandomBlock.
func (t *Table) ReleaseBlock(b *Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b.mu.Lock()
	b.references--
	drop := b.removed && b.references == 0
	b.mu.Unlock()
	if drop {
		delete(t.inUse, b.address)
	}
}

// InFlight returns the number of owned blocks, for tests and telemetry.
func (t *Table) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inUse)
}
