// Package successor implements the update side of the evergreen handoff:
// it connects to a running relay's control channel, adopts its live
// listener/client/upstream handles, waits for the donor to fully vacate,
// and then resumes service under the same control path. It is the Go
// equivalent of the original's run_update.
package successor

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/PlushBeaver/evergreen/internal/relay"
)

// requestTimeout bounds every control round-trip during handoff, including
// the liveness probe. A donor that dies mid-handoff misses its deadline and
// is reported as a handoff error instead of hanging the successor forever.
const requestTimeout = 5 * time.Second

// quiescencePoll is the interval between checks for ControlPath's
// disappearance once SHUTDOWN has been issued.
const quiescencePoll = 1 * time.Second

// Handoff connects to the donor relay listening on controlPath, adopts its
// live state, waits for the donor to fully vacate, and rebinds a fresh
// *relay.Relay ready to Run(). It does not call Run itself; the caller
// decides when to start serving (see cmd/evergreen).
func Handoff(controlPath string) (*relay.Relay, error) {
	donorAddr := &net.UnixAddr{Name: controlPath, Net: "unixgram"}

	// Bind to an autogenerated local address, matching the original's
	// memset-then-bind-empty-sockaddr idiom for datagram autobind.
	local, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("successor: bind local control endpoint: %w", err)
	}
	closeLocal := true
	defer func() {
		if closeLocal {
			_ = local.Close()
		}
	}()

	// Liveness probe first: confirms a live donor is actually listening at
	// controlPath before committing to any further step of the handoff,
	// rather than discovering a stale leftover path only after GET_LISTENER
	// hangs.
	pid, err := requestPID(local, donorAddr)
	if err != nil {
		return nil, fmt.Errorf("successor: liveness probe: %w", err)
	}

	listenerFile, err := requestHandle(local, donorAddr, relay.GetListener)
	if err != nil {
		return nil, fmt.Errorf("successor: adopt listener: %w", err)
	}
	defer listenerFile.Close()

	clientFile, err := requestHandle(local, donorAddr, relay.GetClient)
	if err != nil {
		return nil, fmt.Errorf("successor: adopt client: %w", err)
	}
	defer clientFile.Close()

	upstreamFile, err := requestHandle(local, donorAddr, relay.GetUpstream)
	if err != nil {
		return nil, fmt.Errorf("successor: adopt upstream: %w", err)
	}
	defer upstreamFile.Close()

	fromPort, toPort, err := requestPorts(local, donorAddr)
	if err != nil {
		return nil, fmt.Errorf("successor: adopt ports: %w", err)
	}

	listener, err := net.FileListener(listenerFile)
	if err != nil {
		return nil, fmt.Errorf("successor: wrap listener handle: %w", err)
	}
	client, err := net.FileConn(clientFile)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("successor: wrap client handle: %w", err)
	}
	upstream, err := net.FileConn(upstreamFile)
	if err != nil {
		listener.Close()
		client.Close()
		return nil, fmt.Errorf("successor: wrap upstream handle: %w", err)
	}

	r, err := relay.New(fromPort, toPort, controlPath)
	if err != nil {
		listener.Close()
		client.Close()
		upstream.Close()
		return nil, fmt.Errorf("successor: construct relay: %w", err)
	}
	r.Listener = listener
	r.Client = client
	r.Upstream = upstream
	r.ClientPeer = client.RemoteAddr()

	r.Log.Logf("adopted handles from donor pid %d (listener %s, from=%d to=%d)", pid, listener.Addr(), fromPort, toPort)

	// SHUTDOWN draws no reply; the donor tears down and exits on its own
	// as soon as it processes this request.
	if err := sendShutdown(local, donorAddr); err != nil {
		r.Teardown()
		return nil, fmt.Errorf("successor: request shutdown: %w", err)
	}

	// Our local control endpoint has served its purpose; close it before
	// the quiescence barrier so the donor's ControlPath removal is the only
	// remaining thing tying up that filesystem path.
	_ = local.Close()
	closeLocal = false

	if err := waitQuiescent(controlPath); err != nil {
		r.Teardown()
		return nil, fmt.Errorf("successor: quiescence barrier: %w", err)
	}
	r.Log.Logf("donor vacated %s", controlPath)

	if err := r.BindControl(); err != nil {
		r.Teardown()
		return nil, fmt.Errorf("successor: rebind control endpoint: %w", err)
	}

	return r, nil
}

// waitQuiescent polls for controlPath's disappearance, the proof that no
// more than one process owns the control path at a time. Any stat error
// other than the path being absent is fatal; the donor is responsible for
// removing it as the last step of its own Teardown.
func waitQuiescent(controlPath string) error {
	for {
		_, err := os.Stat(controlPath)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", controlPath, err)
		}
		time.Sleep(quiescencePoll)
	}
}

// roundTrip issues req to addr over conn and returns the matching RESPONSE,
// bounding the whole exchange by requestTimeout so a dead or wedged donor is
// reported as an error instead of hanging the successor indefinitely.
func roundTrip(conn *net.UnixConn, addr *net.UnixAddr, req relay.Message) (relay.Message, *os.File, error) {
	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return relay.Message{}, nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := relay.SendControl(conn, addr, req, nil); err != nil {
		return relay.Message{}, nil, err
	}
	reply, _, handle, err := relay.ReceiveControl(conn)
	if err != nil {
		return relay.Message{}, nil, err
	}
	if reply.Type != relay.Response {
		if handle != nil {
			handle.Close()
		}
		return relay.Message{}, nil, fmt.Errorf("expected RESPONSE, got %s", reply.Type)
	}
	if reply.Command != req.Command {
		if handle != nil {
			handle.Close()
		}
		return relay.Message{}, nil, fmt.Errorf("expected reply to %s, got reply to %s", req.Command, reply.Command)
	}
	return reply, handle, nil
}

func requestPID(conn *net.UnixConn, addr *net.UnixAddr) (uint32, error) {
	reply, handle, err := roundTrip(conn, addr, relay.Message{Type: relay.Request, Command: relay.GetPID})
	if handle != nil {
		handle.Close()
	}
	if err != nil {
		return 0, err
	}
	return reply.Pid, nil
}

func requestPorts(conn *net.UnixConn, addr *net.UnixAddr) (fromPort, toPort uint16, err error) {
	reply, handle, err := roundTrip(conn, addr, relay.Message{Type: relay.Request, Command: relay.GetPorts})
	if handle != nil {
		handle.Close()
	}
	if err != nil {
		return 0, 0, err
	}
	return reply.FromPort, reply.ToPort, nil
}

func requestHandle(conn *net.UnixConn, addr *net.UnixAddr, cmd relay.Command) (*os.File, error) {
	_, handle, err := roundTrip(conn, addr, relay.Message{Type: relay.Request, Command: cmd})
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, fmt.Errorf("%s reply carried no handle", cmd)
	}
	return handle, nil
}

func sendShutdown(conn *net.UnixConn, addr *net.UnixAddr) error {
	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	return relay.SendControl(conn, addr, relay.Message{Type: relay.Request, Command: relay.Shutdown}, nil)
}
