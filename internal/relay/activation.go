package relay

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
)

// activatedListener looks for a systemd-activated listening socket matching
// fromPort (LISTEN_FDS / LISTEN_PID set by the service manager, as consumed
// by the teacher's graceful_restarts/systemd-socket-activation). When a
// relay is launched as a systemd service with socket activation configured,
// this lets it adopt the pre-bound listener instead of binding its own —
// purely additive: when no activated sockets are present (the common case,
// e.g. running from a shell or under `update`), it returns ok=false and
// Setup falls back to listenBacklog1 exactly as before.
func activatedListener(fromPort uint16) (ln net.Listener, ok bool, err error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, false, fmt.Errorf("relay: inspect systemd activation listeners: %w", err)
	}
	for _, candidate := range listeners {
		if candidate == nil {
			continue
		}
		tcpAddr, isTCP := candidate.Addr().(*net.TCPAddr)
		if !isTCP || tcpAddr.Port != int(fromPort) {
			_ = candidate.Close()
			continue
		}
		return candidate, true, nil
	}
	return nil, false, nil
}
