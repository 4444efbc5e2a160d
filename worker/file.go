package worker

import (
	"path/filepath"

	gdisk "github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sys/unix"

	"github.com/opencomputeproject/ocp-diag-sat/pattern"
	"github.com/opencomputeproject/ocp-diag-sat/pool"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

// pageRec remembers where a written page's data came from, so a readback
// miscompare can name both ends of the path.
type pageRec struct {
	pattern *pattern.Pattern
	src     []uint64
	dst     []uint64
}

// FileThread pushes pool pages through a file: a full write pass stamps
// sector tags and writes every page, a read pass pulls them back, checks
// the tags and verifies contents. Runs on the power-spike coordinator.
type FileThread struct {
	Worker
	filename string
	pageRecs []pageRec
	pass     int
	crcPage  int // page under readback CRC, or -1; selects the verdict
}

// NewFileThread creates a file I/O thread for filename.
func NewFileThread(filename string) *FileThread {
	t := &FileThread{filename: filename, crcPage: -1}
	t.typeName = "File IO Thread"
	return t
}

// ValidateTarget warns when the file's filesystem is low on space.
func (t *FileThread) ValidateTarget() {
	dir := filepath.Dir(t.filename)
	usage, err := gdisk.Usage(dir)
	if err != nil {
		t.step.Warnf("%s #%d: cannot stat filesystem of %s: %v", t.typeName, t.id, dir, err)
		return
	}
	need := uint64(t.env.DiskPages) * uint64(t.env.PageLength)
	if usage.Free < need {
		t.step.Warnf("%s #%d: %s has %d bytes free, test needs %d",
			t.typeName, t.id, dir, usage.Free, need)
	}
}

func (t *FileThread) openFile() (int, bool) {
	flags := unix.O_RDWR | unix.O_CREAT | unix.O_SYNC
	fd, err := unix.Open(t.filename, flags|unix.O_DIRECT, 0644)
	if err == unix.EINVAL {
		fd, err = unix.Open(t.filename, flags, 0644)
		t.env.OS.ActivateFlushPageCache()
	}
	if err != nil {
		t.addProcessError("failed to create file %s: %v", t.filename, err)
		return -1, false
	}
	return fd, true
}

// writePages writes one full pass of valid pages into the file.
func (t *FileThread) writePages(fd int) bool {
	offset := int64(0)
	magic := byte((0xba + t.id) & 0xff)

	for i := 0; i < t.env.DiskPages; i++ {
		src, ok := t.env.Pool.GetValid(pool.DontCareTag)
		if !ok {
			t.addProcessError("file thread failed to pop valid page")
			return false
		}
		t.pageRecs[i].pattern = src.Pattern
		t.pageRecs[i].src = src.Words

		if t.env.Strict {
			t.CrcCheckPage(&src)
		}

		buf := unsafeBytes(src.Words)
		stampSectorTags(buf, i, 0, magic, t.pass)

		n, err := unix.Pwrite(fd, buf, offset)
		if err != nil || n != len(buf) {
			t.errorCount.Add(1)
			t.step.AddDiagnosis(sink.FileWriteFail,
				"%s #%d: failed to write page to file %s: %v", t.typeName, t.id, t.filename, err)
			t.step.Warnf("%s #%d: block error: file thread failed to write, bailing", t.typeName, t.id)
			t.env.Pool.PutEmpty(src)
			return false
		}
		offset += int64(n)

		if !t.env.Pool.PutEmpty(src) {
			return false
		}
	}

	if err := t.env.OS.FlushPageCache(); err != nil {
		t.addProcessError("flush page cache: %v", err)
		return false
	}
	return true
}

// readPages reads the pass back into empty pages and verifies them.
func (t *FileThread) readPages(fd int) bool {
	offset := int64(0)
	magic := byte((0xba + t.id) & 0xff)
	result := true

	for i := 0; i < t.env.DiskPages; i++ {
		dst, ok := t.env.Pool.GetEmpty(pool.DontCareTag)
		if !ok {
			t.addProcessError("file thread failed to pop empty page")
			return false
		}
		dst.Pattern = t.pageRecs[i].pattern
		t.pageRecs[i].dst = dst.Words

		buf := unsafeBytes(dst.Words)
		n, err := unix.Pread(fd, buf, offset)
		if err != nil || n != len(buf) {
			t.errorCount.Add(1)
			t.step.AddDiagnosis(sink.FileReadFail,
				"%s #%d: failed to read page from file %s: %v", t.typeName, t.id, t.filename, err)
			t.step.Warnf("%s #%d: block error: file thread failed to read, bailing", t.typeName, t.id)
			t.env.Pool.PutEmpty(dst)
			return false
		}
		offset += int64(n)

		t.validateSectorTags(buf, i, 0, magic, t.pass, dst.Pattern, 0, t.filename)

		if t.env.Strict {
			// Readback miscompares get the disk verdict; everything else
			// stays a general memory miscompare.
			t.crcPage = i
			t.miscompareVerdict = sink.HddMiscompareFail
			errors := t.CrcCheckPage(&dst)
			t.crcPage = -1
			t.miscompareVerdict = sink.GeneralMiscompareFail
			if errors != 0 {
				t.step.Warnf("%s #%d: file miscompare at block %d, offset %x-%x, file %s",
					t.typeName, t.id, i, int64(i)*t.env.PageLength, int64(i+1)*t.env.PageLength-1, t.filename)
				result = false
			}
		}

		if !t.env.Pool.PutValid(dst) {
			return false
		}
	}
	return result
}

// Work loops full write/read passes until stopped.
func (t *FileThread) Work() bool {
	t.step.Debugf("%s #%d: starting file thread using file %s", t.typeName, t.id, t.filename)
	t.miscompareVerdict = sink.GeneralMiscompareFail
	t.ValidateTarget()

	fd, ok := t.openFile()
	if !ok {
		return false
	}
	defer unix.Close(fd)

	t.pass = 0
	t.pageRecs = make([]pageRec, t.env.DiskPages)

	loops := int64(0)
	for t.IsReadyToRun() {
		if !t.writePages(fd) {
			break
		}
		if !t.readPages(fd) {
			break
		}
		loops++
		t.pass = int(loops)
	}

	t.pagesCopied.Store(loops * int64(t.env.DiskPages))

	// A failed read or write points at hardware, not at this thread.
	t.status = true
	t.step.Debugf("%s #%d: completed file thread on %s, %d pages copied",
		t.typeName, t.id, t.filename, t.pagesCopied.Load())
	return true
}
