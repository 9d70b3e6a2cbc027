// Package relay implements the relay side of the evergreen handoff system:
// a single-tenant TCP relay that multiplexes byte forwarding between a
// client and an upstream with an administrative control channel, and that
// can hand its live connections to a successor process without dropping
// either peer.
package relay

import (
	"fmt"
	"net"
	"os"

	"github.com/PlushBeaver/evergreen/internal/rlog"
)

// Relay holds the single instance of relay state that exists per process.
type Relay struct {
	FromPort uint16
	ToPort   uint16

	// Listener is the passive stream endpoint bound to FromPort, backlog 1.
	Listener net.Listener

	// Client is the currently accepted inbound stream, or nil when no
	// client is attached.
	Client net.Conn

	// Upstream is the connected outbound stream to loopback:ToPort, or nil
	// while reconnecting.
	Upstream net.Conn

	// ClientPeer is the captured address of the accepted client; purely
	// informational.
	ClientPeer net.Addr

	// Control is the filesystem-named datagram endpoint serving the
	// control protocol.
	Control *net.UnixConn

	// ControlPath is the filesystem path Control is bound to. Owned by
	// this Relay; removed on Teardown.
	ControlPath string

	Log *rlog.Logger
}

// ValidatePorts enforces both ports being in 1..=65535 and from != to. It
// is checked before any socket is allocated, so that invalid input fails
// fast instead of surfacing as a bind error.
func ValidatePorts(fromPort, toPort uint16) error {
	if fromPort == 0 {
		return fmt.Errorf("relay: from-port must be in 1..=65535")
	}
	if toPort == 0 {
		return fmt.Errorf("relay: to-port must be in 1..=65535")
	}
	if fromPort == toPort {
		return fmt.Errorf("relay: from-port and to-port must differ (got %d)", fromPort)
	}
	return nil
}

// New validates ports and constructs an empty Relay bound to no sockets yet.
// Callers proceed to Setup (fresh start) or adopt fields directly
// (successor handoff, see internal/successor).
func New(fromPort, toPort uint16, controlPath string) (*Relay, error) {
	if err := ValidatePorts(fromPort, toPort); err != nil {
		return nil, err
	}
	return &Relay{
		FromPort:    fromPort,
		ToPort:      toPort,
		ControlPath: controlPath,
		Log:         rlog.New(),
	}, nil
}

// fileConn is implemented by *net.TCPConn and *net.UnixConn: both expose a
// dup'd *os.File of their underlying descriptor, used to attach a handle to
// a control-protocol reply.
type fileConn interface {
	File() (*os.File, error)
}
