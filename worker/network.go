package worker

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"golang.org/x/sys/unix"

	"github.com/opencomputeproject/ocp-diag-sat/osutil"
	"github.com/opencomputeproject/ocp-diag-sat/pool"
)

// NetworkPort is the TCP port the producer/reflector pair speaks on.
const NetworkPort = 19996

const (
	// Producers wait for the remote reflector to come up before dialing.
	netStartupDelay = 15 * time.Second
	netDialTimeout  = 5 * time.Second
	netAcceptWait   = 5 * time.Second
)

// optimizeTCP disables Nagle and widens the socket buffers so the page
// round-trip saturates the link rather than the stack.
func optimizeTCP(conn *net.TCPConn) error {
	file, err := conn.File()
	if err != nil {
		return err
	}
	defer file.Close()

	fd := int(file.Fd())
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 32*1024*1024); err != nil {
		return fmt.Errorf("set SO_SNDBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 32*1024*1024); err != nil {
		return fmt.Errorf("set SO_RCVBUF: %w", err)
	}
	return nil
}

// LocalInterfaceAddrs lists the host's non-loopback IPv4 addresses, for the
// listener startup banner.
func LocalInterfaceAddrs() []string {
	var addrs []string
	ifaces, err := gnet.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			addrs = append(addrs, ip.String())
		}
	}
	return addrs
}

// NetworkThread round-trips pages through a remote reflector: send a valid
// page, receive it into an empty page, verify, swap their roles in the
// pool.
type NetworkThread struct {
	Worker
	ipAddr string
}

// NewNetworkThread creates a producer aimed at a reflector host.
func NewNetworkThread(ipAddr string) *NetworkThread {
	t := &NetworkThread{ipAddr: ipAddr}
	t.typeName = "Network IO Thread"
	return t
}

func (t *NetworkThread) sendPage(conn net.Conn, words []uint64) bool {
	if _, err := conn.Write(unsafeBytes(words)); err != nil {
		if t.IsReadyToRunNoPause() {
			t.addProcessError("network write failed: %v", err)
		}
		return false
	}
	return true
}

func (t *NetworkThread) receivePage(conn net.Conn, words []uint64) bool {
	n, err := io.ReadFull(conn, unsafeBytes(words))
	if err != nil {
		if t.IsReadyToRunNoPause() {
			if n == 0 && err == io.EOF {
				// The two ends never sync exactly; an empty read at
				// shutdown is expected.
				t.step.Infof("%s #%d: did not receive any data, exiting", t.typeName, t.id)
			} else {
				t.addProcessError("network read failed after %d bytes: %v", n, err)
			}
		}
		return false
	}
	return true
}

// Work dials the reflector and loops page round-trips until stopped.
func (t *NetworkThread) Work() bool {
	t.step.Debugf("%s #%d: starting network thread on ip %s", t.typeName, t.id, t.ipAddr)

	// Give the remote reflector time to listen.
	time.Sleep(netStartupDelay)

	addr := net.JoinHostPort(t.ipAddr, fmt.Sprintf("%d", NetworkPort))
	conn, err := net.DialTimeout("tcp", addr, netDialTimeout)
	if err != nil {
		t.addProcessError("cannot connect to %s: %v", addr, err)
		return false
	}
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := optimizeTCP(tcp); err != nil {
			t.step.Warnf("%s #%d: %v", t.typeName, t.id, err)
		}
	}

	t.status = true
	loops := int64(0)
	for t.IsReadyToRun() {
		src, ok := t.env.Pool.GetValid(pool.DontCareTag)
		if !ok {
			t.YieldSelf()
			continue
		}
		dst, ok := t.env.Pool.GetEmpty(pool.DontCareTag)
		if !ok {
			t.env.Pool.PutValid(src)
			t.YieldSelf()
			continue
		}

		if t.env.Strict {
			t.CrcCheckPage(&src)
		}

		ok = t.sendPage(conn, src.Words)

		dst.Pattern = src.Pattern
		dst.LastCPU = osutil.CurrentCPU()

		ok = ok && t.receivePage(conn, dst.Words)

		if ok && t.env.Strict {
			t.CrcCheckPage(&dst)
		}

		if ok {
			t.env.Pool.PutValid(dst)
			t.env.Pool.PutEmpty(src)
		} else {
			// Round trip failed; nothing trustworthy arrived in dst.
			t.env.Pool.PutEmpty(dst)
			t.env.Pool.PutValid(src)
			break
		}
		loops++
	}

	t.pagesCopied.Store(loops)
	t.step.Debugf("%s #%d: network thread completed, status %v, %d pages copied",
		t.typeName, t.id, t.status, loops)
	return t.status
}

// NetworkListenThread accepts reflector connections and spawns a slave per
// peer. Slaves drain their sockets regardless of pause state, so this
// thread lives on the continuous coordinator.
type NetworkListenThread struct {
	Worker
	slavePages atomic.Int64
}

// NewNetworkListenThread creates the listener.
func NewNetworkListenThread() *NetworkListenThread {
	t := &NetworkListenThread{}
	t.typeName = "Network Listen Thread"
	return t
}

// handleSlave reflects pages back to one peer until the peer goes away.
func (t *NetworkListenThread) handleSlave(conn net.Conn, slaveID int) {
	defer conn.Close()
	t.step.Debugf("Child Network Thread #%d: starting", slaveID)

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := optimizeTCP(tcp); err != nil {
			t.step.Warnf("Child Network Thread #%d: %v", slaveID, err)
		}
	}

	buf := make([]byte, t.env.PageLength)
	loops := int64(0)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			break
		}
		if _, err := conn.Write(buf); err != nil {
			break
		}
		loops++
	}
	t.slavePages.Add(loops)
	t.step.Debugf("Child Network Thread #%d: finished, %d pages reflected", slaveID, loops)
}

// Work listens until stopped, reaping slaves on the way out.
func (t *NetworkListenThread) Work() bool {
	t.step.Debugf("%s #%d: starting network listen thread", t.typeName, t.id)

	lc, err := net.ListenTCP("tcp", &net.TCPAddr{Port: NetworkPort})
	if err != nil {
		t.addProcessError("cannot bind socket: %v", err)
		return false
	}
	defer lc.Close()

	var slaves sync.WaitGroup
	slaveCount := 0
	for t.IsReadyToRun() {
		lc.SetDeadline(time.Now().Add(netAcceptWait))
		conn, err := lc.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.addProcessError("did not receive connection: %v", err)
			break
		}
		t.step.Debugf("%s #%d: incoming connection from %s, spawning child thread",
			t.typeName, t.id, conn.RemoteAddr())
		slaves.Add(1)
		id := slaveCount
		slaveCount++
		go func() {
			defer slaves.Done()
			t.handleSlave(conn, id)
		}()
	}

	lc.Close()
	slaves.Wait()

	t.pagesCopied.Store(t.slavePages.Load())
	t.status = true
	t.step.Debugf("%s #%d: network listen thread completed, %d pages copied",
		t.typeName, t.id, t.pagesCopied.Load())
	return true
}
