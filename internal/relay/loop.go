package relay

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Outcome is what one trip through the event loop (Pump) ends with. Pump
// always returns once it has a definite answer; it never returns
// "continue", because continuing is simply calling Pump again.
type Outcome int

const (
	// ClientClosed means the client side closed or faulted; the recovery
	// state machine should accept a fresh client.
	ClientClosed Outcome = iota
	// UpstreamClosed means the upstream side closed or faulted; the
	// recovery state machine should reconnect.
	UpstreamClosed
	// Terminate means a SHUTDOWN request was dispatched; the caller must
	// tear down and exit successfully.
	Terminate
)

// rawConn is implemented by *net.TCPConn and *net.UnixConn, letting the
// event loop introspect the underlying descriptor the way the teacher's
// graceful_restarts/SocketHandoff does via syscall.RawConn, without duping
// it (duping is reserved for handle transfer, see dupHandle).
type rawConn interface {
	SyscallConn() (syscall.RawConn, error)
}

func rawFD(c rawConn) (int, error) {
	sc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := sc.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}

const (
	slotClient = iota
	slotUpstream
	slotControl
	slotCount
)

// Pump runs the event loop until it has a definite Outcome: it waits on
// whichever of Client/Upstream/Control are non-nil. The watched set is
// built fresh each wake-up so an absent descriptor is never watched, unlike
// a fixed-size pollfd array with unused slots. On each wake-up it handles
// every ready descriptor before polling again.
func (r *Relay) Pump() (Outcome, error) {
	for {
		var pfds []unix.PollFd
		var slots [slotCount]int // index into pfds, or -1 if not watched
		for i := range slots {
			slots[i] = -1
		}

		if r.Client != nil {
			fd, err := rawFD(r.Client.(rawConn))
			if err != nil {
				return 0, fmt.Errorf("relay: loop: client raw fd: %w", err)
			}
			slots[slotClient] = len(pfds)
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		if r.Upstream != nil {
			fd, err := rawFD(r.Upstream.(rawConn))
			if err != nil {
				return 0, fmt.Errorf("relay: loop: upstream raw fd: %w", err)
			}
			slots[slotUpstream] = len(pfds)
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		if r.Control != nil {
			fd, err := rawFD(r.Control)
			if err != nil {
				return 0, fmt.Errorf("relay: loop: control raw fd: %w", err)
			}
			slots[slotControl] = len(pfds)
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		if len(pfds) == 0 {
			return 0, fmt.Errorf("relay: loop: no descriptors to watch")
		}

		if _, err := unix.Poll(pfds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("relay: loop: poll: %w", err)
		}

		outcome, done, err := r.handleWakeup(pfds, slots)
		if err != nil || done {
			return outcome, err
		}
		// Nothing terminal happened this wake-up (e.g. only a control
		// request that doesn't terminate the relay) — wait again.
	}
}

// handleWakeup processes every ready descriptor from one poll() return,
// exactly once each. If more than one descriptor signals a terminal
// condition in the same wake-up, a hard error on any descriptor wins;
// otherwise a dispatched SHUTDOWN (Terminate) wins over a peer close, and
// of two peer closes the client side, handled first, wins. Every ready
// descriptor is still handled before returning.
func (r *Relay) handleWakeup(pfds []unix.PollFd, slots [slotCount]int) (Outcome, bool, error) {
	var outcome Outcome
	var done bool
	var firstErr error

	handleSide := func(which int, conn net.Conn, other net.Conn, closedOutcome Outcome) {
		idx := slots[which]
		if idx < 0 {
			return
		}
		revents := pfds[idx].Revents
		if revents == 0 {
			return
		}
		if revents&unix.POLLERR != 0 {
			errno, _ := unix.GetsockoptInt(int(pfds[idx].Fd), unix.SOL_SOCKET, unix.SO_ERROR)
			if isPeerClose(errno) {
				if !done {
					outcome, done = closedOutcome, true
				}
				return
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("relay: loop: socket error on fd %d: %s", pfds[idx].Fd, unix.ErrnoName(unix.Errno(errno)))
			}
			return
		}
		if revents&unix.POLLIN != 0 {
			result, err := forward(conn, other)
			switch result {
			case transferOK:
				// nothing to propagate
			case transferClosed:
				if !done {
					outcome, done = closedOutcome, true
				}
			case transferFailed:
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	handleSide(slotClient, r.Client, r.Upstream, ClientClosed)
	handleSide(slotUpstream, r.Upstream, r.Client, UpstreamClosed)

	if idx := slots[slotControl]; idx >= 0 && pfds[idx].Revents != 0 {
		terminate, err := r.serveControl()
		if err != nil {
			r.Log.Logf("control: %v", err)
		} else if terminate {
			outcome, done = Terminate, true
		}
	}

	if firstErr != nil {
		return 0, true, firstErr
	}
	return outcome, done, nil
}

// isPeerClose reports whether errno indicates a remote-initiated close
// (connection refused/reset/aborted) as opposed to a hard error.
func isPeerClose(errno int) bool {
	e := unix.Errno(errno)
	return e == unix.ECONNREFUSED || e == unix.ECONNRESET || e == unix.ECONNABORTED
}

// serveControl reads exactly one control datagram and dispatches it,
// replying unless the command was SHUTDOWN (in which case it reports
// terminate=true and the caller is responsible for teardown — see run.go).
func (r *Relay) serveControl() (terminate bool, err error) {
	req, from, handle, err := ReceiveControl(r.Control)
	if handle != nil {
		defer handle.Close()
	}
	if err != nil {
		return false, err
	}
	if req.Type != Request {
		return false, fmt.Errorf("control: expected REQUEST, got %s", req.Type)
	}

	result, err := r.HandleRequest(req)
	if err != nil {
		return false, err
	}
	if result.Terminate {
		return true, nil
	}
	if result.Handle != nil {
		defer result.Handle.Close()
	}
	if err := SendControl(r.Control, from, *result.Reply, result.Handle); err != nil {
		return false, err
	}
	return false, nil
}
