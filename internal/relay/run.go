package relay

import (
	"fmt"
	"net"
	"os"
)

// Setup performs the full fresh-start sequence: validate ports, bind the
// control endpoint, bind the listener (backlog 1), accept the first
// client, and connect to the upstream server. It is the Go equivalent of
// the original's setup_proxy.
func Setup(fromPort, toPort uint16, controlPath string) (*Relay, error) {
	r, err := New(fromPort, toPort, controlPath)
	if err != nil {
		return nil, err
	}

	if err := r.BindControl(); err != nil {
		return nil, fmt.Errorf("relay: setup: %w", err)
	}

	ln, adopted, err := activatedListener(fromPort)
	if err != nil {
		r.Log.Logf("systemd activation check failed, binding normally: %v", err)
	}
	if ln == nil {
		ln, err = listenBacklog1(fromPort)
		if err != nil {
			r.Teardown()
			return nil, fmt.Errorf("relay: setup: listener: %w", err)
		}
	} else if adopted {
		r.Log.Logf("adopted systemd-activated listener on port %d", fromPort)
	}
	r.Listener = ln

	if err := r.acceptClient(); err != nil {
		r.Teardown()
		return nil, fmt.Errorf("relay: setup: accept client: %w", err)
	}

	upstream, err := ConnectToServer(toPort)
	if err != nil {
		r.Teardown()
		return nil, fmt.Errorf("relay: setup: connect upstream: %w", err)
	}
	r.Upstream = upstream

	return r, nil
}

// BindControl binds the filesystem-named datagram control endpoint. A
// stale file at ControlPath from a prior crash is removed first — a fresh
// relay is never prevented from starting by leftover state belonging to no
// running process; single ownership of the control path is instead
// enforced by the successor's quiescence barrier and liveness probe (see
// internal/successor).
func (r *Relay) BindControl() error {
	_ = os.Remove(r.ControlPath)
	addr := &net.UnixAddr{Name: r.ControlPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("allocate control endpoint at %s: %w", r.ControlPath, err)
	}
	r.Control = conn
	return nil
}

// acceptClient closes any existing client, then blocks on
// Listener.Accept() to pick up a replacement.
func (r *Relay) acceptClient() error {
	if r.Client != nil {
		_ = r.Client.Close()
		r.Client = nil
	}
	conn, err := r.Listener.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	r.Client = conn
	r.ClientPeer = conn.RemoteAddr()
	return nil
}

// reconnectUpstream closes any existing upstream connection and dials a
// fresh one to replace it.
func (r *Relay) reconnectUpstream() error {
	if r.Upstream != nil {
		_ = r.Upstream.Close()
		r.Upstream = nil
	}
	conn, err := ConnectToServer(r.ToPort)
	if err != nil {
		return fmt.Errorf("reconnect upstream: %w", err)
	}
	r.Upstream = conn
	return nil
}

// Run drives the recovery state machine: the running state forwards data
// and serves control requests via Pump; an orderly peer close on either
// side is recovered by accepting a new client or reconnecting upstream; any
// hard I/O error or SHUTDOWN tears down and returns. Run always tears down
// its own state before returning, whether that return is nil (clean
// SHUTDOWN) or an error (unrecoverable failure).
func (r *Relay) Run() error {
	for {
		outcome, err := r.Pump()
		if err != nil {
			r.Teardown()
			return fmt.Errorf("relay: %w", err)
		}

		switch outcome {
		case ClientClosed:
			r.Log.Logf("client closed, awaiting a new client")
			if err := r.acceptClient(); err != nil {
				r.Teardown()
				return fmt.Errorf("relay: %w", err)
			}
			r.Log.Logf("accepted new client from %s", r.ClientPeer)

		case UpstreamClosed:
			r.Log.Logf("upstream closed, reconnecting")
			if err := r.reconnectUpstream(); err != nil {
				r.Teardown()
				return fmt.Errorf("relay: %w", err)
			}
			r.Log.Logf("reconnected to upstream")

		case Terminate:
			r.Log.Phase("shutdown requested")
			r.Teardown()
			return nil
		}
	}
}
