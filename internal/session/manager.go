// Package session owns the websocket sessions opened against relays. One
// Manager is shared by every concurrent check; each check holds a Lease for
// the duration of its pipeline and must release it on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"

	"relaycheck/internal/relayurl"
)

// DefaultProxyAddress is the local Tor SOCKS listener.
const DefaultProxyAddress = "127.0.0.1:9050"

// ErrAlreadyRegistered is returned when a relay already holds a lease.
var ErrAlreadyRegistered = errors.New("relay already has an active session")

// Route describes how a session reaches its relay.
type Route int

const (
	RouteDirect Route = iota
	RouteProxy
)

func (r Route) String() string {
	if r == RouteProxy {
		return "proxy"
	}
	return "direct"
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Manager is a concurrency-safe registry of open relay sessions.
type Manager struct {
	logger *slog.Logger

	dial       map[Route]dialFunc
	transports map[Route]*http.Transport

	mu     sync.Mutex
	leases map[string]*Lease
}

// NewManager builds a manager that routes anonymity-class relays through
// the SOCKS5 proxy at proxyAddr.
func NewManager(proxyAddr string, logger *slog.Logger) (*Manager, error) {
	if proxyAddr == "" {
		proxyAddr = DefaultProxyAddress
	}
	if logger == nil {
		logger = slog.Default()
	}

	direct := &net.Dialer{KeepAlive: 30 * time.Second}
	socks, err := proxy.SOCKS5("tcp", proxyAddr, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("configure socks proxy %s: %w", proxyAddr, err)
	}
	socksCtx, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer for %s does not support contexts", proxyAddr)
	}

	m := &Manager{
		logger: logger,
		dial: map[Route]dialFunc{
			RouteDirect: direct.DialContext,
			RouteProxy:  socksCtx.DialContext,
		},
		leases: make(map[string]*Lease),
	}
	m.transports = map[Route]*http.Transport{
		RouteDirect: newTransport(m.dial[RouteDirect]),
		RouteProxy:  newTransport(m.dial[RouteProxy]),
	}
	return m, nil
}

// newTransport builds a client transport for one route. Each relay is asked
// for its info document once per check, so connections are not pooled.
func newTransport(dial dialFunc) *http.Transport {
	return &http.Transport{
		DialContext:           dial,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     true,
	}
}

// RouteFor returns the route used for a relay address.
func RouteFor(u relayurl.URL) Route {
	if relayurl.Classify(u) == relayurl.ClassAnonymity {
		return RouteProxy
	}
	return RouteDirect
}

// Acquire registers u and opens a websocket to it, waiting at most timeout
// for the handshake to finish. The registration is dropped again when the
// dial fails, so callers only release leases they actually obtained.
func (m *Manager) Acquire(ctx context.Context, u relayurl.URL, timeout time.Duration) (*Lease, error) {
	key := u.String()
	route := RouteFor(u)
	lease := &Lease{manager: m, url: u, route: route}

	m.mu.Lock()
	if _, exists := m.leases[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyRegistered)
	}
	m.leases[key] = lease
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		NetDialContext:   m.dial[route],
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(dialCtx, key, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.deregister(key, lease)
		if resp != nil {
			return nil, fmt.Errorf("handshake with %s failed (status %d): %w", key, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s via %s: %w", key, route, err)
	}

	lease.conn = conn
	m.logger.Debug("session opened", slog.String("relay", key), slog.String("route", route.String()))
	return lease, nil
}

// Active returns the number of registered sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Close releases every session still registered.
func (m *Manager) Close() error {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		leases = append(leases, l)
	}
	m.mu.Unlock()

	var err error
	for _, l := range leases {
		err = multierr.Append(err, l.Release())
	}
	for _, t := range m.transports {
		t.CloseIdleConnections()
	}
	return err
}

func (m *Manager) deregister(key string, lease *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.leases[key]; ok && current == lease {
		delete(m.leases, key)
	}
}

// Lease is a registered, open session with one relay.
type Lease struct {
	manager *Manager
	url     relayurl.URL
	route   Route
	conn    *websocket.Conn

	once sync.Once
	err  error
}

// URL returns the relay address the lease belongs to.
func (l *Lease) URL() relayurl.URL { return l.url }

// Route returns whether the session was dialed directly or via the proxy.
func (l *Lease) Route() Route { return l.route }

// Conn exposes the websocket connection.
func (l *Lease) Conn() *websocket.Conn { return l.conn }

// HTTPClient returns a client that reaches the relay host over the same
// route as the websocket session.
func (l *Lease) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: l.manager.transports[l.route],
		Timeout:   timeout,
	}
}

// Release closes the connection and deregisters the relay. It is safe to
// call more than once.
func (l *Lease) Release() error {
	l.once.Do(func() {
		if l.conn != nil {
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			l.err = l.conn.Close()
		}
		l.manager.deregister(l.url.String(), l)
		l.manager.logger.Debug("session released", slog.String("relay", l.url.String()))
	})
	return l.err
}
