package relay

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestSendReceiveControlRoundTrip(t *testing.T) {
	dir := t.TempDir()
	serverAddr := &net.UnixAddr{Name: filepath.Join(dir, "server.sock"), Net: "unixgram"}
	server, err := net.ListenUnixgram("unixgram", serverAddr)
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	defer server.Close()

	client, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer client.Close()

	want := Message{Type: Request, Command: GetPID}
	if err := SendControl(client, serverAddr, want, nil); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	got, from, handle, err := ReceiveControl(server)
	if err != nil {
		t.Fatalf("ReceiveControl: %v", err)
	}
	if handle != nil {
		t.Fatalf("expected no handle, got %v", handle)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if from == nil {
		t.Fatalf("expected a non-nil sender address")
	}
}

func TestSendReceiveControlCarriesHandle(t *testing.T) {
	dir := t.TempDir()
	serverAddr := &net.UnixAddr{Name: filepath.Join(dir, "server.sock"), Net: "unixgram"}
	server, err := net.ListenUnixgram("unixgram", serverAddr)
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	defer server.Close()

	client, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer client.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	msg := Message{Type: Response, Command: GetListener}
	if err := SendControl(client, serverAddr, msg, r); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	got, _, handle, err := ReceiveControl(server)
	if err != nil {
		t.Fatalf("ReceiveControl: %v", err)
	}
	if handle == nil {
		t.Fatalf("expected a handle to be attached")
	}
	defer handle.Close()
	if got.Command != GetListener {
		t.Fatalf("got command %s, want %s", got.Command, GetListener)
	}

	if _, err := w.Write([]byte("ping")); err != nil {
		t.Fatalf("write through original: %v", err)
	}
	buf := make([]byte, 4)
	n, err := handle.Read(buf)
	if err != nil {
		t.Fatalf("read through duplicated handle: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}
}
