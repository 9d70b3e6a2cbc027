package relay

import "os"

// Teardown closes, in order, listener, client, upstream, control, and
// removes the control path. Closing an absent handle is a no-op: each
// handle is represented as nil when absent and is closed only behind an
// explicit nil check.
func (r *Relay) Teardown() {
	if r.Listener != nil {
		_ = r.Listener.Close()
		r.Listener = nil
	}
	if r.Client != nil {
		_ = r.Client.Close()
		r.Client = nil
	}
	if r.Upstream != nil {
		_ = r.Upstream.Close()
		r.Upstream = nil
	}
	if r.Control != nil {
		_ = r.Control.Close()
		r.Control = nil
	}
	if r.ControlPath != "" {
		_ = os.Remove(r.ControlPath)
	}
}
