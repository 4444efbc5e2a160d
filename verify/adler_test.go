package verify

import (
	"math/rand"
	"testing"
)

func randomWords(t *testing.T, n int, seed int64) []uint64 {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	words := make([]uint64, n)
	for i := range words {
		words[i] = rng.Uint64()
	}
	return words
}

func TestCalculateDeterministic(t *testing.T) {
	words := randomWords(t, 512, 1)
	a, err := Calculate(words)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	b, err := Calculate(words)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("checksum not deterministic: %s vs %s", a, b)
	}
}

func TestCalculateSingleByteSensitivity(t *testing.T) {
	words := randomWords(t, 512, 2)
	base, err := Calculate(words)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}

	for _, wordIdx := range []int{0, 1, 255, 510, 511} {
		for byteIdx := 0; byteIdx < 8; byteIdx++ {
			words[wordIdx] ^= 1 << (8 * byteIdx)
			mod, err := Calculate(words)
			if err != nil {
				t.Fatalf("Calculate: %v", err)
			}
			if mod.Equals(base) {
				t.Errorf("flip of word %d byte %d not detected", wordIdx, byteIdx)
			}
			words[wordIdx] ^= 1 << (8 * byteIdx)
		}
	}
}

func TestMemcpyMatchesCalculate(t *testing.T) {
	src := randomWords(t, 512, 3)
	dst := make([]uint64, len(src))

	crcCopy, err := Memcpy(dst, src)
	if err != nil {
		t.Fatalf("Memcpy: %v", err)
	}
	crcCalc, err := Calculate(src)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if !crcCopy.Equals(crcCalc) {
		t.Fatalf("copy checksum %s != calculate checksum %s", crcCopy, crcCalc)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("word %d not copied: 0x%x != 0x%x", i, dst[i], src[i])
		}
	}
}

func TestWarmMemcpyMatchesMemcpy(t *testing.T) {
	src := randomWords(t, 512, 4)
	dst1 := make([]uint64, len(src))
	dst2 := make([]uint64, len(src))

	plain, err := Memcpy(dst1, src)
	if err != nil {
		t.Fatalf("Memcpy: %v", err)
	}
	warm, err := WarmMemcpy(dst2, src)
	if err != nil {
		t.Fatalf("WarmMemcpy: %v", err)
	}
	if !plain.Equals(warm) {
		t.Fatalf("warm checksum %s != plain checksum %s", warm, plain)
	}
	for i := range src {
		if dst2[i] != src[i] {
			t.Fatalf("warm copy corrupted word %d", i)
		}
	}
}

func TestBlockTooLarge(t *testing.T) {
	words := make([]uint64, maxChecksumWords+2)
	if _, err := Calculate(words); err != ErrBlockTooLarge {
		t.Fatalf("expected ErrBlockTooLarge, got %v", err)
	}
	if _, err := Memcpy(make([]uint64, len(words)), words); err != ErrBlockTooLarge {
		t.Fatalf("expected ErrBlockTooLarge from Memcpy, got %v", err)
	}
}
