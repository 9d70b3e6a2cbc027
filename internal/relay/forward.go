package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// transferOutcome mirrors the original's enum Transfer.
type transferOutcome int

const (
	transferOK transferOutcome = iota
	transferClosed
	transferFailed
)

const forwardBufferSize = 4096

// forward reads once from src into a fixed 4 KiB stack buffer, then writes
// the exact number of bytes read to dst, looping the write until fully
// drained. It never fragments a short read across multiple forward calls
// and never buffers across calls.
func forward(src, dst net.Conn) (transferOutcome, error) {
	var buf [forwardBufferSize]byte

	n, err := src.Read(buf[:])
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return transferClosed, nil
		}
		return transferFailed, fmt.Errorf("relay: read from source: %w", err)
	}

	sent := 0
	for sent < n {
		w, werr := dst.Write(buf[sent:n])
		if w == 0 {
			if werr == nil {
				return transferClosed, nil
			}
			return transferFailed, fmt.Errorf("relay: write to destination: %w", werr)
		}
		sent += w
		if werr != nil {
			return transferFailed, fmt.Errorf("relay: write to destination: %w", werr)
		}
	}

	// A non-EOF read error alongside n > 0 bytes: the bytes already read
	// were still forwarded in full, so surface the read error now that the
	// drained write has succeeded rather than discarding it.
	if err != nil && !errors.Is(err, io.EOF) {
		return transferFailed, fmt.Errorf("relay: read from source: %w", err)
	}
	return transferOK, nil
}
