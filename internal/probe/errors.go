package probe

import (
	"context"
	"errors"
	"fmt"
	"net"

	"relaycheck/internal/relayurl"
)

// ConnectionError collapses every way a relay can fail to become ready:
// timeout, refusal, TLS or websocket handshake failure.
type ConnectionError struct {
	URL   string
	Class relayurl.Class
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s relay %s: %v", e.Class, e.URL, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// Timeout reports whether the connection attempt ran out of time.
func (e *ConnectionError) Timeout() bool {
	if errors.Is(e.Cause, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Cause, &netErr) && netErr.Timeout()
}

// Capability names a best-effort probe run on a reachable relay.
type Capability string

const (
	CapabilityInfoDocument Capability = "nip11"
	CapabilitySync         Capability = "negentropy"
)

// CapabilityProbeError is returned by the capability probes. It never
// aborts a check; the matching field is simply not updated.
type CapabilityProbeError struct {
	Which Capability
	URL   string
	Cause error
}

func (e *CapabilityProbeError) Error() string {
	return fmt.Sprintf("%s probe of %s: %v", e.Which, e.URL, e.Cause)
}

func (e *CapabilityProbeError) Unwrap() error { return e.Cause }
