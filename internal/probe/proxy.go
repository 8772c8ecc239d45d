package probe

import (
	"context"
	"net"
	"time"
)

// ProxyStatus captures the outcome of a proxy reachability check.
type ProxyStatus struct {
	Address   string        `json:"address"`
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CheckProxy dials the SOCKS proxy address to verify it accepts TCP
// connections. Anonymity-class relays cannot be reached without it.
func CheckProxy(ctx context.Context, address string, timeout time.Duration) ProxyStatus {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}

	started := time.Now()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)

	status := ProxyStatus{
		Address:   address,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.OK = true
	status.Latency = time.Since(started)
	_ = conn.Close()
	return status
}
