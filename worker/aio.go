package worker

import (
	"time"

	"golang.org/x/sys/unix"
)

// IoOp selects the direction of an asynchronous disk operation.
type IoOp int

const (
	AsyncIoRead IoOp = iota
	AsyncIoWrite
)

func (op IoOp) String() string {
	if op == AsyncIoRead {
		return "read"
	}
	return "write"
}

type ioResult struct {
	n   int
	err error
}

// AsyncIoContext runs one disk transfer at a time off-thread so the disk
// worker can bound its wait. Cancellation of an in-flight transfer is not
// reliable on any backend, so the recovery contract is reset-then-retry:
// after a timeout the context is discarded and rebuilt, and the straggler
// completes into the abandoned buffer.
type AsyncIoContext struct {
	ch chan ioResult
}

// NewAsyncIoContext creates a context with no operation in flight.
func NewAsyncIoContext() *AsyncIoContext {
	return &AsyncIoContext{ch: make(chan ioResult, 1)}
}

// Submit starts op against fd at offset. Exactly one operation may be in
// flight per context.
func (c *AsyncIoContext) Submit(op IoOp, fd int, buf []byte, offset int64) {
	ch := c.ch
	go func() {
		var n int
		var err error
		if op == AsyncIoRead {
			n, err = unix.Pread(fd, buf, offset)
		} else {
			n, err = unix.Pwrite(fd, buf, offset)
		}
		ch <- ioResult{n: n, err: err}
	}()
}

// Wait blocks for the in-flight operation up to timeout. The second return
// is false on timeout, after which the caller must Reset before reusing
// the context.
func (c *AsyncIoContext) Wait(timeout time.Duration) (ioResult, bool) {
	select {
	case r := <-c.ch:
		return r, true
	case <-time.After(timeout):
		return ioResult{}, false
	}
}

// Reset abandons any in-flight operation. The stale completion lands in
// the old buffered channel and is garbage collected with it.
func (c *AsyncIoContext) Reset() {
	c.ch = make(chan ioResult, 1)
}
