// Package pattern provides the catalog of data patterns the engine fills
// pages with. Every pattern is an indexable 32-bit word sequence with a
// power-of-two period, a selection weight, and a checksum precomputed over
// one 4096-byte block at catalog construction time. Because every period
// divides the block length, all blocks of a filled page carry identical
// content and a single precomputed checksum validates any of them.
package pattern

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/opencomputeproject/ocp-diag-sat/verify"
)

// blockWords is the number of 64-bit words covered by one precomputed
// checksum.
const blockWords = 4096 / 8

// Pattern is one named data pattern.
type Pattern struct {
	name   string
	data   []uint32
	mask   int
	weight int
	crc    verify.Checksum
}

// Name returns the display name used in miscompare reports.
func (p *Pattern) Name() string { return p.name }

// Word returns the 32-bit word at index i of the infinite pattern stream.
func (p *Pattern) Word(i int) uint32 { return p.data[i&p.mask] }

// Crc returns the checksum of one 4096-byte block filled with this pattern.
func (p *Pattern) Crc() verify.Checksum { return p.crc }

// Fill writes the pattern into words, starting at stream index 0.
func (p *Pattern) Fill(words []uint64) {
	for i := range words {
		words[i] = uint64(p.Word(2*i)) | uint64(p.Word(2*i+1))<<32
	}
}

type patternData struct {
	name   string
	data   []uint32
	weight int
}

func walking(invert bool) []uint32 {
	// One bit marches up and back down; 64 entries.
	out := make([]uint32, 64)
	for i := 0; i < 32; i++ {
		out[i] = 1 << i
	}
	for i := 0; i < 32; i++ {
		out[32+i] = 1 << (31 - i)
	}
	if invert {
		for i := range out {
			out[i] = ^out[i]
		}
	}
	return out
}

func walkingPairs() []uint32 {
	// Alternates each walking step with its complement, toggling every data
	// line between consecutive words.
	w := walking(false)
	out := make([]uint32, 128)
	for i, v := range w {
		out[2*i] = v
		out[2*i+1] = ^v
	}
	return out
}

func byteWalk() []uint32 {
	out := make([]uint32, 8)
	for i := 0; i < 8; i++ {
		b := uint32(1 << i)
		out[i] = b | b<<8 | b<<16 | b<<24
	}
	return out
}

func pseudoRandom(n int, seed uint64) []uint32 {
	// Deterministic xorshift fill; the catalog must be identical on every
	// host so precomputed checksums stay comparable across runs.
	out := make([]uint32, n)
	x := seed
	for i := range out {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = uint32(x)
	}
	return out
}

func basePatterns() []patternData {
	return []patternData{
		{"walkingOnes", walking(false), 2},
		{"walkingZeros", walking(true), 2},
		{"walkingInvOnes", walkingPairs(), 2},
		{"byteWalkingOnes", byteWalk(), 1},
		{"OneZero", []uint32{0x00000000, 0xffffffff}, 5},
		{"JustZero", []uint32{0x00000000}, 2},
		{"JustOnes", []uint32{0xffffffff}, 2},
		{"JustFive", []uint32{0x55555555}, 2},
		{"JustA", []uint32{0xaaaaaaaa}, 2},
		{"FiveA", []uint32{0x5aa5a55a, 0xa55a5aa5}, 1},
		{"checkerboard", []uint32{0x55555555, 0xaaaaaaaa}, 3},
		{"shortRipple", []uint32{0x00ff00ff, 0xff00ff00, 0x0f0f0f0f, 0xf0f0f0f0}, 1},
		{"randomData", pseudoRandom(1024, 0x8765432187654321), 5},
	}
}

// List is the immutable pattern catalog plus a guarded selection RNG.
type List struct {
	patterns []*Pattern
	total    int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewList builds the catalog, including an inverted twin of each base
// pattern, and precomputes every block checksum.
func NewList(seed int64) (*List, error) {
	l := &List{rng: rand.New(rand.NewSource(seed))}

	block := make([]uint64, blockWords)
	for _, pd := range basePatterns() {
		if len(pd.data)&(len(pd.data)-1) != 0 {
			return nil, fmt.Errorf("pattern %s period %d is not a power of 2", pd.name, len(pd.data))
		}
		inv := make([]uint32, len(pd.data))
		for i, v := range pd.data {
			inv[i] = ^v
		}
		for _, variant := range []patternData{
			pd,
			{pd.name + "~", inv, pd.weight},
		} {
			p := &Pattern{
				name:   variant.name,
				data:   variant.data,
				mask:   len(variant.data) - 1,
				weight: variant.weight,
			}
			p.Fill(block)
			crc, err := verify.Calculate(block)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.name, err)
			}
			p.crc = crc
			l.patterns = append(l.patterns, p)
			l.total += p.weight
		}
	}
	return l, nil
}

// Size returns the number of catalog entries.
func (l *List) Size() int { return len(l.patterns) }

// Get returns pattern i, or nil when i is out of range.
func (l *List) Get(i int) *Pattern {
	if i < 0 || i >= len(l.patterns) {
		return nil
	}
	return l.patterns[i]
}

// Random returns a weight-biased random pattern.
func (l *List) Random() *Pattern {
	l.mu.Lock()
	n := l.rng.Intn(l.total)
	l.mu.Unlock()

	for _, p := range l.patterns {
		n -= p.weight
		if n < 0 {
			return p
		}
	}
	return l.patterns[len(l.patterns)-1]
}
