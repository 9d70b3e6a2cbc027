package relay

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// connectStatus mirrors the original's enum ConnectStatus.
type connectStatus int

const (
	connectSucceeded connectStatus = iota
	connectFailed
	connectLater
)

const connectTimeout = 5 * time.Second

// connectWithTimeout allocates a fresh non-blocking socket, initiates
// connect, and classifies the outcome. It never retries itself —
// ConnectToServer (below) owns the retry/backoff loop.
func connectWithTimeout(toPort uint16, timeout time.Duration) (net.Conn, connectStatus, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, connectFailed, fmt.Errorf("relay: allocate upstream socket: %w", err)
	}
	closeFD := true
	defer func() {
		if closeFD {
			unix.Close(fd)
		}
	}()

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, connectFailed, fmt.Errorf("relay: set upstream socket non-blocking: %w", err)
	}

	target := unix.SockaddrInet4{Port: int(toPort), Addr: [4]byte{127, 0, 0, 1}}
	err = unix.Connect(fd, &target)
	switch {
	case err == nil:
		// immediate success
	case err == unix.ECONNREFUSED || err == unix.ECONNABORTED:
		return nil, connectLater, nil
	case err == unix.EINPROGRESS:
		status, perr := pollForWritable(fd, timeout)
		if status != connectSucceeded {
			return nil, status, perr
		}
	default:
		return nil, connectFailed, fmt.Errorf("relay: connect to loopback:%d: %w", toPort, err)
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, connectFailed, fmt.Errorf("relay: restore upstream socket to blocking: %w", err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("relay-upstream-%d", toPort))
	conn, cerr := net.FileConn(file)
	_ = file.Close()
	if cerr != nil {
		return nil, connectFailed, fmt.Errorf("relay: wrap upstream fd: %w", cerr)
	}
	closeFD = false
	return conn, connectSucceeded, nil
}

// pollForWritable waits for fd to become writable (or for timeout to
// elapse), then inspects SO_ERROR to detect a deferred connect failure for
// a socket left in EINPROGRESS.
func pollForWritable(fd int, timeout time.Duration) (connectStatus, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil {
		return connectFailed, fmt.Errorf("relay: poll upstream connect: %w", err)
	}
	if n == 0 {
		return connectLater, nil // timeout
	}

	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return connectFailed, fmt.Errorf("relay: getsockopt(SO_ERROR): %w", err)
	}
	if errno != 0 {
		return connectLater, nil
	}
	return connectSucceeded, nil
}

// ConnectToServer implements the retry loop around connectWithTimeout: on
// connectLater, sleep the timeout budget and try again with a fresh socket;
// on connectFailed, the error is fatal and propagates to the caller.
func ConnectToServer(toPort uint16) (net.Conn, error) {
	for {
		conn, status, err := connectWithTimeout(toPort, connectTimeout)
		switch status {
		case connectSucceeded:
			return conn, nil
		case connectLater:
			time.Sleep(connectTimeout)
			continue
		default:
			return nil, fmt.Errorf("relay: connect to server failed: %w", err)
		}
	}
}
