package worker

import (
	"fmt"
	"math/rand"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/opencomputeproject/ocp-diag-sat/diskblk"
	"github.com/opencomputeproject/ocp-diag-sat/osutil"
	"github.com/opencomputeproject/ocp-diag-sat/pool"
	"github.com/opencomputeproject/ocp-diag-sat/sink"
)

const (
	diskBufferAlignment = 512
	defaultDiskTimeout  = 5 * time.Second
)

// DiskThread exercises a block device: it streams pattern-stamped blocks
// to disk and reads them back through randomly sized chunks, far enough
// apart that the device cache cannot satisfy the read. The in-flight queue
// is sized to 1.5x the device cache so a block is evicted before its
// verify; that makes disk_size >= 3x cache_size a hard requirement.
type DiskThread struct {
	Worker
	blockTable *diskblk.Table
	device     string

	readBlockSize    int
	writeBlockSize   int
	segmentSize      int64 // sectors; -1 = whole device
	blocksPerSegment int
	cacheSize        int64
	queueSize        int
	nonDestructive   bool
	updateBlockTable bool

	readThreshold  time.Duration
	writeThreshold time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	deviceSectors int64
	blocksWritten int64
	blocksRead    int64
	pass          int

	readTimes  *sink.Series
	writeTimes *sink.Series

	inFlight []*diskblk.Block
	buffer   []byte
	aio      *AsyncIoContext
	rng      *rand.Rand
}

// NewDiskThread creates a disk thread bound to a device's block ledger.
func NewDiskThread(table *diskblk.Table, device string, seed int64) *DiskThread {
	t := &DiskThread{
		blockTable:       table,
		device:           device,
		readBlockSize:    sectorSize,
		writeBlockSize:   sectorSize,
		segmentSize:      -1,
		blocksPerSegment: 32,
		cacheSize:        16 * 1024 * 1024,
		readThreshold:    100 * time.Millisecond,
		writeThreshold:   100 * time.Millisecond,
		readTimeout:      defaultDiskTimeout,
		writeTimeout:     defaultDiskTimeout,
		updateBlockTable: true,
		rng:              rand.New(rand.NewSource(seed)),
	}
	t.typeName = "Disk Test Thread"
	t.queueSize = int((t.cacheSize / int64(t.writeBlockSize)) * 3 / 2)
	return t
}

// SetParameters overrides the test geometry; -1 keeps a default.
func (t *DiskThread) SetParameters(readBlockSize, writeBlockSize int, segmentSize, cacheSize int64,
	blocksPerSegment int, readThresholdUS, writeThresholdUS int64, nonDestructive bool) error {

	if readBlockSize != -1 {
		if readBlockSize%sectorSize != 0 {
			return fmt.Errorf("read block size must be a multiple of sector size %d", sectorSize)
		}
		t.readBlockSize = readBlockSize
	}
	if writeBlockSize != -1 {
		if writeBlockSize%sectorSize != 0 {
			return fmt.Errorf("write block size must be a multiple of sector size %d", sectorSize)
		}
		if writeBlockSize%t.readBlockSize != 0 {
			return fmt.Errorf("write block size %d must be a multiple of the read block size %d",
				writeBlockSize, t.readBlockSize)
		}
		if t.env != nil && int64(writeBlockSize) > t.env.PageLength {
			return fmt.Errorf("write block size %d exceeds page length %d", writeBlockSize, t.env.PageLength)
		}
		t.writeBlockSize = writeBlockSize
	} else if t.readBlockSize > t.writeBlockSize {
		t.writeBlockSize = t.readBlockSize
	}
	if cacheSize != -1 {
		t.cacheSize = cacheSize
	}
	if blocksPerSegment != -1 {
		if blocksPerSegment <= 0 {
			return fmt.Errorf("blocks per segment must be greater than zero")
		}
		t.blocksPerSegment = blocksPerSegment
	}
	if readThresholdUS != -1 {
		if readThresholdUS <= 0 {
			return fmt.Errorf("read threshold must be greater than zero")
		}
		t.readThreshold = time.Duration(readThresholdUS) * time.Microsecond
	}
	if writeThresholdUS != -1 {
		if writeThresholdUS <= 0 {
			return fmt.Errorf("write threshold must be greater than zero")
		}
		t.writeThreshold = time.Duration(writeThresholdUS) * time.Microsecond
	}
	if segmentSize != -1 {
		if segmentSize%sectorSize != 0 {
			return fmt.Errorf("segment size %d must be a multiple of the sector size %d", segmentSize, sectorSize)
		}
		t.segmentSize = segmentSize / sectorSize
	}
	t.nonDestructive = nonDestructive

	// 150% of the blocks that fit the device cache forces the oldest block
	// out before it is read back.
	t.queueSize = int((t.cacheSize / int64(t.writeBlockSize)) * 3 / 2)

	if t.env != nil && t.env.PageLength > 0 {
		// pagesCopied counts blocks for disk threads; scale bandwidth by
		// block size instead of page length.
		t.devFactor = float64(t.writeBlockSize) / float64(t.env.PageLength)
		t.memFactor = 0
	}

	if t.updateBlockTable {
		t.blockTable.SetParameters(sectorSize, int64(t.writeBlockSize), t.deviceSectors, t.segmentSize, t.device)
	}
	return nil
}

func (t *DiskThread) openDevice() (int, bool) {
	flags := unix.O_RDWR | unix.O_SYNC | unix.O_LARGEFILE
	fd, err := unix.Open(t.device, flags|unix.O_DIRECT, 0)
	if err == unix.EINVAL {
		fd, err = unix.Open(t.device, flags, 0)
		t.env.OS.ActivateFlushPageCache()
	}
	if err != nil {
		t.addProcessError("failed to open device %s: %v", t.device, err)
		return -1, false
	}

	if !t.getDiskSize(fd) {
		unix.Close(fd)
		return -1, false
	}
	return fd, true
}

func (t *DiskThread) getDiskSize(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.addProcessError("unable to fstat disk %s: %v", t.device, err)
		return false
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			t.addProcessError("unable to ioctl disk %s: %v", t.device, err)
			return false
		}
		if size == 0 {
			t.errorCount.Add(1)
			t.step.AddDiagnosis(sink.DeviceSizeZeroFail,
				"%s has a block size of zero, which indicates a non working device", t.device)
			t.status = true
			return false
		}
		t.deviceSectors = int64(size) / sectorSize
	case unix.S_IFREG:
		t.deviceSectors = st.Size / sectorSize
	default:
		t.addProcessError("%s is not a regular file or block device", t.device)
		return false
	}

	t.step.Debugf("%s #%d: device sectors: %d on disk %s", t.typeName, t.id, t.deviceSectors, t.device)
	if t.updateBlockTable {
		t.blockTable.SetParameters(sectorSize, int64(t.writeBlockSize), t.deviceSectors, t.segmentSize, t.device)
	}
	return true
}

// asyncIO performs one bounded transfer, diagnosing timeouts and short or
// failed completions. Returns false when the transfer cannot be trusted.
func (t *DiskThread) asyncIO(op IoOp, fd int, buf []byte, offset int64, timeout time.Duration) bool {
	t.aio.Submit(op, fd, buf, offset)
	r, ok := t.aio.Wait(timeout)
	if !ok {
		t.errorCount.Add(1)
		t.step.AddDiagnosis(sink.DiskAsyncTimeoutFail,
			"%s #%d: timeout doing async %s to sectors starting at %d on disk %s",
			t.typeName, t.id, op, offset/sectorSize, t.device)
		// In-place cancellation is unreliable; rebuild the context and move
		// on to the next block.
		t.aio.Reset()
		return false
	}

	if r.err != nil || r.n != len(buf) {
		t.errorCount.Add(1)
		switch {
		case r.err == unix.EIO:
			t.step.AddDiagnosis(sink.DiskLowLevelIOFail,
				"%s #%d: low-level I/O error while doing %s to sectors starting at %d on disk %s: %v",
				t.typeName, t.id, op, offset/sectorSize, t.device, r.err)
		case r.err != nil:
			t.step.AddDiagnosis(sink.DiskUnknownFail,
				"%s #%d: unknown error while doing %s to sectors starting at %d on disk %s: %v",
				t.typeName, t.id, op, offset/sectorSize, t.device, r.err)
		default:
			t.step.AddDiagnosis(sink.DiskUnknownFail,
				"%s #%d: unable to %s %d bytes (got %d) to sectors starting at %d on disk %s",
				t.typeName, t.id, op, len(buf), r.n, offset/sectorSize, t.device)
		}
		return false
	}
	return true
}

func (t *DiskThread) blockIndex(b *diskblk.Block) int {
	blockSectors := int64(t.writeBlockSize) / sectorSize
	return int(b.Address() / blockSectors)
}

// writeBlockToDisk stamps a block with pool data (or a direct pattern fill
// when no valid page is available) plus sector tags, then writes it.
func (t *DiskThread) writeBlockToDisk(fd int, block *diskblk.Block) bool {
	buf := t.buffer[:block.Size()]
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), len(buf)/wordSize)

	if pe, ok := t.env.Pool.GetValid(pool.DontCareTag); ok {
		copy(words, pe.Words[:len(words)])
		block.SetPattern(pe.Pattern)
		t.env.Pool.PutValid(pe)
	} else {
		// Slower, but a write can always proceed from the catalog.
		p := t.env.Patterns.Random()
		block.SetPattern(p)
		p.Fill(words)
		t.step.Warnf("%s #%d: using pattern fill fallback on disk %s", t.typeName, t.id, t.device)
	}

	magic := byte((0xba + t.id) & 0xff)
	block.SetStamp(magic, t.pass)
	stampSectorTags(buf, t.blockIndex(block), 0, magic, t.pass)

	t.step.Debugf("%s #%d: writing %d sectors starting at %d on disk %s",
		t.typeName, t.id, block.Size()/sectorSize, block.Address(), t.device)

	start := time.Now()
	if !t.asyncIO(AsyncIoWrite, fd, buf, block.Address()*sectorSize, t.writeTimeout) {
		return false
	}
	t.writeTimes.Add(float64(time.Since(start).Microseconds()))
	return true
}

// validateBlockOnDisk reads a block back in randomly sized chunks of read
// blocks and verifies tags and content against the stamped pattern.
func (t *DiskThread) validateBlockOnDisk(fd int, block *diskblk.Block) bool {
	blocks := block.Size() / int64(t.readBlockSize)
	bytesRead := int64(0)
	magic, pass := block.Stamp()

	t.step.Debugf("%s #%d: reading sectors starting at %d on disk %s",
		t.typeName, t.id, block.Address(), t.device)

	start := time.Now()
	for blocks != 0 {
		currentBlocks := t.rng.Int63n(blocks) + 1
		currentBytes := currentBlocks * int64(t.readBlockSize)
		buf := t.buffer[:currentBytes]
		for i := range buf {
			buf[i] = 0
		}

		if !t.asyncIO(AsyncIoRead, fd, buf, block.Address()*sectorSize+bytesRead, t.readTimeout) {
			return false
		}
		t.readTimes.Add(float64(time.Since(start).Microseconds()))

		if !t.nonDestructive {
			pat := block.Pattern()
			t.validateSectorTags(buf, t.blockIndex(block), int(bytesRead/sectorSize),
				magic, pass, pat, bytesRead/4, t.device)

			words := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), len(buf)/wordSize)
			if t.CheckRegion(words, pat, 0, bytesRead, bytesRead/4) > 0 {
				t.step.AddDiagnosis(sink.DiskPatternMismatch,
					"%s #%d: pattern mismatch in block starting at sector %d on disk %s",
					t.typeName, t.id, block.Address(), t.device)
			}
		}

		bytesRead += currentBytes
		blocks -= currentBlocks
	}
	return true
}

// doWork runs the write/read state machine until stopped.
func (t *DiskThread) doWork(fd int) bool {
	blockNum := int64(0)

	numSegments := int64(1)
	if t.segmentSize > 0 {
		numSegments = t.deviceSectors / t.segmentSize
		if t.deviceSectors%t.segmentSize != 0 {
			numSegments++
		}
	}

	if t.deviceSectors*sectorSize < 3*t.cacheSize {
		t.addProcessError("disk %s size %d must be at least 3x cache size %d for reads to bypass the device cache",
			t.device, t.deviceSectors*sectorSize, t.cacheSize)
		return false
	}

	t.readTimes = t.step.Series(fmt.Sprintf("%s read times", t.device), "us",
		sink.Validator{Type: sink.LessThanOrEqual, Value: float64(t.readThreshold.Microseconds())})
	t.writeTimes = t.step.Series(fmt.Sprintf("%s write times", t.device), "us",
		sink.Validator{Type: sink.LessThanOrEqual, Value: float64(t.writeThreshold.Microseconds())})

	for t.IsReadyToRun() {
		// Write phase.
		for t.IsReadyToRunNoPause() && len(t.inFlight) < t.queueSize+1 {
			segment := (blockNum / int64(t.blocksPerSegment)) % numSegments
			blockNum++

			block := t.blockTable.GetUnusedBlock(segment)
			if block == nil {
				// Every block of this segment is still in flight; the read
				// phase will hand some back.
				break
			}

			if !t.nonDestructive {
				if !t.writeBlockToDisk(fd, block) {
					t.blockTable.RemoveBlock(block)
					continue
				}
				t.blocksWritten++
			}

			block.SetInitialized()
			t.inFlight = append(t.inFlight, block)
		}

		if err := t.env.OS.FlushPageCache(); err != nil {
			t.addProcessError("flush page cache: %v", err)
			return false
		}

		// Read phase.
		for t.IsReadyToRunNoPause() && len(t.inFlight) > 0 {
			block := t.inFlight[0]
			t.inFlight = t.inFlight[1:]
			if !t.validateBlockOnDisk(fd, block) {
				t.blockTable.RemoveBlock(block)
				continue
			}
			t.blockTable.RemoveBlock(block)
			t.blocksRead++
		}
		t.pass++
	}
	return true
}

// Work opens the device and runs the state machine.
func (t *DiskThread) Work() bool {
	t.step.Debugf("%s #%d: starting disk thread on disk %s", t.typeName, t.id, t.device)

	fd, ok := t.openDevice()
	if !ok {
		return false
	}
	defer unix.Close(fd)

	t.buffer = osutil.AlignedBuffer(t.env.PageLength, diskBufferAlignment)
	t.aio = NewAsyncIoContext()

	result := t.doWork(fd)
	t.pagesCopied.Store(t.blocksWritten + t.blocksRead)
	t.status = result

	t.step.Debugf("%s #%d: completed thread for disk %s: status %v, %d blocks written, %d read",
		t.typeName, t.id, t.device, t.status, t.blocksWritten, t.blocksRead)
	return result
}

// RandomDiskThread re-reads random in-flight blocks from the shared
// ledger. It never writes and never owns geometry updates.
type RandomDiskThread struct {
	DiskThread
}

// NewRandomDiskThread creates a random re-read companion thread.
func NewRandomDiskThread(table *diskblk.Table, device string, seed int64) *RandomDiskThread {
	t := &RandomDiskThread{}
	t.blockTable = table
	t.device = device
	t.readBlockSize = sectorSize
	t.writeBlockSize = sectorSize
	t.segmentSize = -1
	t.blocksPerSegment = 32
	t.cacheSize = 16 * 1024 * 1024
	t.readThreshold = 100 * time.Millisecond
	t.writeThreshold = 100 * time.Millisecond
	t.readTimeout = defaultDiskTimeout
	t.writeTimeout = defaultDiskTimeout
	t.rng = rand.New(rand.NewSource(seed))
	t.updateBlockTable = false
	t.typeName = "Random Disk Test Thread"
	t.queueSize = int((t.cacheSize / int64(t.writeBlockSize)) * 3 / 2)
	return t
}

// doWork borrows random blocks and validates them until stopped.
func (t *RandomDiskThread) doWork(fd int) bool {
	t.readTimes = t.step.Series(fmt.Sprintf("%s random read times", t.device), "us",
		sink.Validator{Type: sink.LessThanOrEqual, Value: float64(t.readThreshold.Microseconds())})
	t.writeTimes = t.step.Series(fmt.Sprintf("%s random write times", t.device), "us")

	for t.IsReadyToRun() {
		block := t.blockTable.GetRandomBlock()
		if block == nil {
			t.YieldSelf()
			continue
		}
		t.validateBlockOnDisk(fd, block)
		t.blockTable.ReleaseBlock(block)
		t.blocksRead++
	}
	return true
}

// Work opens the device and runs the random re-read loop.
func (t *RandomDiskThread) Work() bool {
	t.step.Debugf("%s #%d: starting random disk thread on disk %s", t.typeName, t.id, t.device)

	fd, ok := t.openDevice()
	if !ok {
		return false
	}
	defer unix.Close(fd)

	t.buffer = osutil.AlignedBuffer(t.env.PageLength, diskBufferAlignment)
	t.aio = NewAsyncIoContext()

	result := t.doWork(fd)
	t.pagesCopied.Store(t.blocksRead)
	t.status = result
	return result
}
