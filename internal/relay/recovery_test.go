package relay

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

// dialRelay blocks until a TCP dial to addr succeeds or the deadline passes.
func dialRelay(t *testing.T, addr *net.TCPAddr, deadline time.Time) net.Conn {
	t.Helper()
	for {
		conn, err := net.DialTCP("tcp", nil, addr)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial relay: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func roundTripEcho(t *testing.T, write net.Conn, read net.Conn, payload string) {
	t.Helper()
	if _, err := write.Write([]byte(payload)); err != nil {
		t.Fatalf("write %q: %v", payload, err)
	}
	buf := make([]byte, len(payload))
	read.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := read.Read(buf)
	if err != nil || string(buf[:n]) != payload {
		t.Fatalf("read = %q, %v, want %q", buf[:n], err, payload)
	}
}

// TestRelayReconnectsAfterUpstreamCloses checks the AWAIT_UPSTREAM recovery
// path: when the connection to the upstream server closes mid-session, the
// relay reconnects to the same upstream address and forwarding resumes
// without the client ever seeing its own connection drop.
func TestRelayReconnectsAfterUpstreamCloses(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	upstreamAccepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := upstreamLn.Accept()
			if err != nil {
				return
			}
			upstreamAccepted <- conn
		}
	}()

	toPort := uint16(upstreamLn.Addr().(*net.TCPAddr).Port)
	dir := t.TempDir()
	controlPath := filepath.Join(dir, "evergreen.sock")

	probe, err := listenBacklog1(0)
	if err != nil {
		t.Fatalf("probe listenBacklog1: %v", err)
	}
	fromPort := uint16(probe.Addr().(*net.TCPAddr).Port)
	probe.Close()

	setupResult := make(chan *Relay, 1)
	setupErr := make(chan error, 1)
	go func() {
		r, err := Setup(fromPort, toPort, controlPath)
		if err != nil {
			setupErr <- err
			return
		}
		setupResult <- r
	}()

	relayAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(fromPort)}
	client := dialRelay(t, relayAddr, time.Now().Add(2*time.Second))
	defer client.Close()

	var r *Relay
	select {
	case r = <-setupResult:
	case err := <-setupErr:
		t.Fatalf("Setup: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Setup to accept the client")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run() }()

	var upstream1 net.Conn
	select {
	case upstream1 = <-upstreamAccepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first upstream accept")
	}

	roundTripEcho(t, client, upstream1, "ping")
	roundTripEcho(t, upstream1, client, "pong")

	// Simulate the upstream server process dying: close the established
	// connection without closing the listener, so a fresh connect attempt
	// still finds something to accept it.
	upstream1.Close()

	var upstream2 net.Conn
	select {
	case upstream2 = <-upstreamAccepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for relay to reconnect upstream")
	}
	defer upstream2.Close()

	roundTripEcho(t, client, upstream2, "ping2")
	roundTripEcho(t, upstream2, client, "pong2")

	shutdownRelay(t, controlPath)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Run to return after SHUTDOWN")
	}
}

// TestRelayAcceptsNewClientAfterDrop checks the AWAIT_CLIENT recovery path:
// when the accepted client disconnects, the relay accepts a fresh one on
// the same listener and resumes forwarding with the upstream connection
// left untouched.
func TestRelayAcceptsNewClientAfterDrop(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	upstreamAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		upstreamAccepted <- conn
	}()

	toPort := uint16(upstreamLn.Addr().(*net.TCPAddr).Port)
	dir := t.TempDir()
	controlPath := filepath.Join(dir, "evergreen.sock")

	probe, err := listenBacklog1(0)
	if err != nil {
		t.Fatalf("probe listenBacklog1: %v", err)
	}
	fromPort := uint16(probe.Addr().(*net.TCPAddr).Port)
	probe.Close()

	setupResult := make(chan *Relay, 1)
	setupErr := make(chan error, 1)
	go func() {
		r, err := Setup(fromPort, toPort, controlPath)
		if err != nil {
			setupErr <- err
			return
		}
		setupResult <- r
	}()

	relayAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(fromPort)}
	client1 := dialRelay(t, relayAddr, time.Now().Add(2*time.Second))

	var r *Relay
	select {
	case r = <-setupResult:
	case err := <-setupErr:
		t.Fatalf("Setup: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Setup to accept the client")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run() }()

	var upstream net.Conn
	select {
	case upstream = <-upstreamAccepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for upstream accept")
	}
	defer upstream.Close()

	roundTripEcho(t, client1, upstream, "ping")
	roundTripEcho(t, upstream, client1, "pong")

	// The client disconnects; the relay should accept a replacement on the
	// same listener rather than tearing down.
	client1.Close()

	client2 := dialRelay(t, relayAddr, time.Now().Add(2*time.Second))
	defer client2.Close()

	roundTripEcho(t, client2, upstream, "ping2")
	roundTripEcho(t, upstream, client2, "pong2")

	shutdownRelay(t, controlPath)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Run to return after SHUTDOWN")
	}
}
