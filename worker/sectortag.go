package worker

import (
	"encoding/binary"

	"github.com/opencomputeproject/ocp-diag-sat/pattern"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

// Disk sector size; sector tags ride in the first four bytes of each
// sector.
const sectorSize = 512

// sectorTag is the corruption canary stamped over the start of every
// sector before it goes to a device: {magic, block, sector, pass}, one
// byte each. Tags are stamped over the body already in the buffer and go
// out with it in one write, so a torn write can leave valid tags over a
// corrupt body; such reads surface later as data miscompares, not tag errors.
type sectorTag struct {
	magic  byte
	block  byte
	sector byte
	pass   byte
}

func putSectorTag(buf []byte, t sectorTag) {
	buf[0] = t.magic
	buf[1] = t.block
	buf[2] = t.sector
	buf[3] = t.pass
}

// stampSectorTags tags every sector of buf. startSector numbers sectors
// globally within the written block so split reads keep coherent indexes.
func stampSectorTags(buf []byte, block, startSector int, magic byte, pass int) {
	for sec := 0; sec*sectorSize < len(buf); sec++ {
		putSectorTag(buf[sec*sectorSize:], sectorTag{
			magic:  magic,
			block:  byte(block),
			sector: byte(startSector + sec),
			pass:   byte(pass),
		})
	}
}

// validateSectorTags checks every sector tag of buf, diagnoses mismatches
// and patches each tag back to the pattern data so the following content
// verification does not re-report the same bytes. baseIndex32 is the
// 32-bit pattern stream index of buf's first word. Returns the number of
// bad sectors.
func (w *Worker) validateSectorTags(buf []byte, block, startSector int, magic byte, pass int, pat *pattern.Pattern, baseIndex32 int64, target string) int {
	bad := 0
	firstSector := -1
	lastSector := -1

	for sec := 0; sec*sectorSize < len(buf); sec++ {
		got := buf[sec*sectorSize : sec*sectorSize+4]
		want := sectorTag{magic: magic, block: byte(block), sector: byte(startSector + sec), pass: byte(pass)}
		if got[0] != want.magic || got[1] != want.block || got[2] != want.sector || got[3] != want.pass {
			bad++
			w.errorCount.Add(1)
			w.step.AddDiagnosis(sink.HddSectorTagFail,
				"%s #%d: Sector Error: Sector tag @ 0x%x, pass %d/%d. sec %x/%x, block %d/%d, magic %x/%x, target: %s",
				w.typeName, w.id, (block*len(buf))+sectorSize*(startSector+sec),
				pass&0xff, got[3], startSector+sec, got[2], block&0xff, got[1], magic, got[0], target)
			if firstSector == -1 {
				firstSector = startSector + sec
			}
			lastSector = startSector + sec
		}
		// Patch the tag back to pattern data either way.
		idx := baseIndex32 + int64(sec*sectorSize/4)
		binary.LittleEndian.PutUint32(buf[sec*sectorSize:], pat.Word(int(idx)))
	}

	if bad > 0 {
		w.step.Warnf("%s #%d: sector miscompare at sectors %x-%x, target: %s",
			w.typeName, w.id, firstSector, lastSector, target)
	}
	return bad
}
