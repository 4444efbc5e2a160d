package worker

import (
	"encoding/binary"
	"testing"

	"github.com/opencomputeproject/ocp-diag-sat/pool"
)

func TestSectorTagRoundTrip(t *testing.T) {
	rig := newTestRig(t, 2)
	w := rig.newWorker(t)

	pat := rig.patterns.Get(0)
	rig.fillValidPage(t, w, pat)
	pe, _ := rig.pool.GetValid(pool.DontCareTag)
	buf := unsafeBytes(pe.Words)

	stampSectorTags(buf, 3, 0, 0xbb, 7)

	// Every sector carries the tuple.
	for sec := 0; sec*sectorSize < len(buf); sec++ {
		tag := buf[sec*sectorSize : sec*sectorSize+4]
		if tag[0] != 0xbb || tag[1] != 3 || tag[2] != byte(sec) || tag[3] != 7 {
			t.Fatalf("sector %d tag %v", sec, tag)
		}
	}

	// Clean validation: zero bad sectors, tags patched back to pattern.
	if bad := w.validateSectorTags(buf, 3, 0, 0xbb, 7, pat, 0, "testfile"); bad != 0 {
		t.Fatalf("clean buffer reported %d bad sectors", bad)
	}
	for sec := 0; sec*sectorSize < len(buf); sec++ {
		got := binary.LittleEndian.Uint32(buf[sec*sectorSize:])
		want := pat.Word(sec * sectorSize / 4)
		if got != want {
			t.Fatalf("sector %d tag not patched: 0x%x != 0x%x", sec, got, want)
		}
	}

	// The fully patched page must verify against its pattern again.
	if errs := w.CrcCheckPage(&pe); errs != 0 {
		t.Fatalf("patched page failed verification with %d errors", errs)
	}
	rig.pool.PutValid(pe)
}

func TestSectorTagMismatchDiagnosed(t *testing.T) {
	rig := newTestRig(t, 2)
	w := rig.newWorker(t)

	pat := rig.patterns.Get(0)
	rig.fillValidPage(t, w, pat)
	pe, _ := rig.pool.GetValid(pool.DontCareTag)
	buf := unsafeBytes(pe.Words)

	stampSectorTags(buf, 1, 0, 0xbc, 2)
	// Corrupt the pass byte of sector 5, as a stale write would.
	buf[5*sectorSize+3] = 27

	bad := w.validateSectorTags(buf, 1, 0, 0xbc, 2, pat, 0, "testfile")
	if bad != 1 {
		t.Fatalf("expected 1 bad sector, got %d", bad)
	}
	if w.ErrorCount() != 1 {
		t.Fatalf("error count %d, want 1", w.ErrorCount())
	}
	if rig.sink.DiagnosisCount() != 1 {
		t.Fatalf("diagnosis count %d, want 1", rig.sink.DiagnosisCount())
	}
	if !rig.logsContain("Sector Error") {
		t.Fatal("no sector tag diagnosis logged")
	}

	// Even the bad sector's tag was patched; content verifies.
	if errs := w.CrcCheckPage(&pe); errs != 0 {
		t.Fatalf("page failed verification after patching: %d errors", errs)
	}
	rig.pool.PutValid(pe)
}
