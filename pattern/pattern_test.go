package pattern

import (
	"strings"
	"testing"

	"github.com/opencomputeproject/ocp-diag-sat/verify"
)

func newTestList(t *testing.T) *List {
	t.Helper()
	l, err := NewList(42)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	return l
}

func TestCatalogHasInvertedTwins(t *testing.T) {
	l := newTestList(t)
	if l.Size() == 0 {
		t.Fatal("empty catalog")
	}
	if l.Size()%2 != 0 {
		t.Fatalf("catalog size %d: every base pattern needs an inverted twin", l.Size())
	}

	names := make(map[string]bool)
	for i := 0; i < l.Size(); i++ {
		names[l.Get(i).Name()] = true
	}
	for i := 0; i < l.Size(); i++ {
		name := l.Get(i).Name()
		if strings.HasSuffix(name, "~") {
			continue
		}
		if !names[name+"~"] {
			t.Errorf("pattern %s has no inverted twin", name)
		}
	}
}

func TestPrecomputedChecksumRoundTrip(t *testing.T) {
	l := newTestList(t)
	block := make([]uint64, 4096/8)

	for i := 0; i < l.Size(); i++ {
		p := l.Get(i)
		p.Fill(block)
		crc, err := verify.Calculate(block)
		if err != nil {
			t.Fatalf("pattern %s: %v", p.Name(), err)
		}
		if !crc.Equals(p.Crc()) {
			t.Errorf("pattern %s: filled block checksum %s != precomputed %s", p.Name(), crc, p.Crc())
		}
	}
}

func TestChecksumDetectsSingleByteFlip(t *testing.T) {
	l := newTestList(t)
	block := make([]uint64, 4096/8)

	for i := 0; i < l.Size(); i++ {
		p := l.Get(i)
		p.Fill(block)
		block[137] ^= 0xff << 24
		crc, err := verify.Calculate(block)
		if err != nil {
			t.Fatalf("pattern %s: %v", p.Name(), err)
		}
		if crc.Equals(p.Crc()) {
			t.Errorf("pattern %s: single byte flip not detected", p.Name())
		}
	}
}

func TestBlocksShareChecksum(t *testing.T) {
	// The fill runs pattern indices continuously across the page; the
	// precomputed checksum must still hold for any block-aligned slice.
	l := newTestList(t)
	page := make([]uint64, 4*4096/8)

	for i := 0; i < l.Size(); i++ {
		p := l.Get(i)
		p.Fill(page)
		for b := 0; b < 4; b++ {
			crc, err := verify.Calculate(page[b*512 : (b+1)*512])
			if err != nil {
				t.Fatalf("pattern %s: %v", p.Name(), err)
			}
			if !crc.Equals(p.Crc()) {
				t.Errorf("pattern %s block %d: checksum does not match precomputed", p.Name(), b)
			}
		}
	}
}

func TestRandomSelection(t *testing.T) {
	l := newTestList(t)
	seen := make(map[string]int)
	for i := 0; i < 2000; i++ {
		p := l.Random()
		if p == nil {
			t.Fatal("Random returned nil")
		}
		seen[p.Name()]++
	}
	if len(seen) < l.Size()/3 {
		t.Errorf("random selection hit only %d of %d patterns", len(seen), l.Size())
	}
}

func TestGetOutOfRange(t *testing.T) {
	l := newTestList(t)
	if l.Get(-1) != nil || l.Get(l.Size()) != nil {
		t.Fatal("out of range Get should return nil")
	}
}
