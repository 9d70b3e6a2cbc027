package relay

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog1 binds a passive IPv4 stream socket to port on any local
// address with an explicit backlog of 1, matching the data model's
// "listener: handle to a passive stream endpoint bound to from_port on any
// local address, backlog 1". net.ListenTCP does not expose backlog control,
// so this goes through golang.org/x/sys/unix directly and wraps the
// resulting descriptor with net.FileListener — the same raw-fd-to-net-type
// pattern the teacher's graceful_restarts/SocketHandoff demonstrates via
// net.FileListener(os.NewFile(fd, ...)).
func listenBacklog1(port uint16) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("relay: allocate listener socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("relay: set SO_REUSEADDR: %w", err)
	}

	addr := unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("relay: bind to port %d: %w", port, err)
	}

	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("relay: listen on port %d: %w", port, err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("relay-listener-%d", port))
	ln, err := net.FileListener(file)
	_ = file.Close() // net.FileListener dups; close our copy (matches net.FileListener contract)
	if err != nil {
		return nil, fmt.Errorf("relay: wrap listener fd: %w", err)
	}
	return ln, nil
}
