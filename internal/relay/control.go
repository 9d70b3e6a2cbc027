package relay

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// oobBufSize is sized for exactly one handle. It is always passed to
// ReadMsgUnix regardless of whether this particular message is expected to
// carry a handle: the buffer must exist before the receive or the kernel
// silently discards any attached handle.
var oobBufSize = unix.CmsgSpace(4) // one int fd

// SendControl writes msg to addr over conn, attaching handle as a single
// SCM_RIGHTS ancillary payload when non-nil. The caller retains ownership of
// handle and must close it after the call returns. Exported because both
// the relay and the successor speak this same wire protocol (see
// internal/successor), just from opposite ends.
func SendControl(conn *net.UnixConn, addr *net.UnixAddr, msg Message, handle *os.File) error {
	var oob []byte
	if handle != nil {
		oob = unix.UnixRights(int(handle.Fd()))
	}
	_, _, err := conn.WriteMsgUnix(msg.Encode(), oob, addr)
	if err != nil {
		return fmt.Errorf("relay: control: sendmsg to %v: %w", addr, err)
	}
	return nil
}

// ReceiveControl reads one datagram from conn, decoding the fixed-size
// record and any attached handle. The returned *os.File, if non-nil, is a
// freshly-owned descriptor the caller must eventually close.
func ReceiveControl(conn *net.UnixConn) (Message, *net.UnixAddr, *os.File, error) {
	data := make([]byte, wireMessageSize)
	oob := make([]byte, oobBufSize)

	n, oobn, _, from, err := conn.ReadMsgUnix(data, oob)
	if err != nil {
		return Message{}, nil, nil, fmt.Errorf("relay: control: recvmsg: %w", err)
	}

	msg, err := Decode(data[:n])
	if err != nil {
		return Message{}, from, nil, err
	}

	var handle *os.File
	if oobn > 0 {
		entries, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil {
			return msg, from, nil, fmt.Errorf("relay: control: parse control message: %w", perr)
		}
		for _, entry := range entries {
			fds, rerr := unix.ParseUnixRights(&entry)
			if rerr != nil {
				return msg, from, nil, fmt.Errorf("relay: control: parse unix rights: %w", rerr)
			}
			for _, fd := range fds {
				handle = os.NewFile(uintptr(fd), fmt.Sprintf("relay-handle-%s", msg.Command))
			}
		}
	}

	return msg, from, handle, nil
}

// DispatchResult is the outcome of handling one request: either a reply to
// send back (possibly carrying a handle the caller must close after
// sending), or a signal that the relay must terminate without any reply.
type DispatchResult struct {
	Reply     *Message
	Handle    *os.File
	Terminate bool
}

// HandleRequest implements the control protocol's dispatch table. It never
// blocks the data-plane forwarding for more than the time it takes to build
// the reply in memory.
func (r *Relay) HandleRequest(req Message) (DispatchResult, error) {
	if !IsKnownCommand(req.Command) {
		return DispatchResult{}, fmt.Errorf("relay: control: unknown command %d", uint32(req.Command))
	}

	reply := Message{Type: Response, Command: req.Command}

	switch req.Command {
	case GetPID:
		reply.Pid = uint32(os.Getpid())
		return DispatchResult{Reply: &reply}, nil

	case GetPorts:
		reply.FromPort = r.FromPort
		reply.ToPort = r.ToPort
		return DispatchResult{Reply: &reply}, nil

	case GetListener:
		handle, err := dupHandle(r.Listener)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("relay: control: dup listener: %w", err)
		}
		return DispatchResult{Reply: &reply, Handle: handle}, nil

	case GetClient:
		if r.Client == nil {
			return DispatchResult{}, fmt.Errorf("relay: control: no client attached")
		}
		handle, err := dupHandle(r.Client)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("relay: control: dup client: %w", err)
		}
		return DispatchResult{Reply: &reply, Handle: handle}, nil

	case GetUpstream:
		if r.Upstream == nil {
			return DispatchResult{}, fmt.Errorf("relay: control: no upstream attached")
		}
		handle, err := dupHandle(r.Upstream)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("relay: control: dup upstream: %w", err)
		}
		return DispatchResult{Reply: &reply, Handle: handle}, nil

	case Shutdown:
		// No reply is ever sent for SHUTDOWN; the donor tears down and
		// exits immediately. This returns a terminate signal rather than
		// calling os.Exit from inside the handler, so the caller can run
		// its own teardown and return cleanly up the call stack.
		return DispatchResult{Terminate: true}, nil

	default:
		return DispatchResult{}, fmt.Errorf("relay: control: unhandled command %d", uint32(req.Command))
	}
}

// dupHandle extracts a dup'd *os.File from a handle-shaped value (a
// net.Listener backed by *net.TCPListener, or a net.Conn backed by
// *net.TCPConn/*net.UnixConn), the descriptor that gets attached to the
// control reply.
func dupHandle(v interface{}) (*os.File, error) {
	fc, ok := v.(fileConn)
	if !ok {
		return nil, fmt.Errorf("relay: value of type %T does not expose a dup'able file descriptor", v)
	}
	return fc.File()
}
