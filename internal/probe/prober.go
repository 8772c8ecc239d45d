// Package probe runs the network side of a relay check: the connection
// probe and the two capability probes executed on a live session.
package probe

import (
	"context"
	"time"

	"relaycheck/internal/relayurl"
	"relaycheck/internal/session"
)

// Session is an open relay connection that capability probes run against.
// Release must be called exactly once the check is done with it.
type Session interface {
	URL() relayurl.URL
	FetchInfoDocument(ctx context.Context) ([]byte, error)
	ProbeSync(ctx context.Context) error
	Release()
}

// Config holds per-class deadline budgets. Zero values fall back to the
// class defaults.
type Config struct {
	StandardTimeout  time.Duration
	AnonymityTimeout time.Duration
}

// Prober opens sessions through a shared session manager.
type Prober struct {
	sessions *session.Manager
	cfg      Config
	signer   *authSigner
}

// New creates a prober backed by sessions.
func New(sessions *session.Manager, cfg Config) *Prober {
	if cfg.StandardTimeout <= 0 {
		cfg.StandardTimeout = relayurl.ClassStandard.DefaultTimeout()
	}
	if cfg.AnonymityTimeout <= 0 {
		cfg.AnonymityTimeout = relayurl.ClassAnonymity.DefaultTimeout()
	}
	// Without a key AUTH challenges go unanswered; the probe still runs.
	signer, _ := newAuthSigner()
	return &Prober{sessions: sessions, cfg: cfg, signer: signer}
}

// Timeout returns the deadline budget used for every network wait of a
// relay in the given class.
func (p *Prober) Timeout(class relayurl.Class) time.Duration {
	if class == relayurl.ClassAnonymity {
		return p.cfg.AnonymityTimeout
	}
	return p.cfg.StandardTimeout
}

// Connect is the connection probe: it opens and registers a session with
// u, waiting at most the class deadline for it to become ready.
func (p *Prober) Connect(ctx context.Context, u relayurl.URL) (Session, error) {
	class := relayurl.Classify(u)
	timeout := p.Timeout(class)

	lease, err := p.sessions.Acquire(ctx, u, timeout)
	if err != nil {
		return nil, &ConnectionError{URL: u.String(), Class: class, Cause: err}
	}
	return &relaySession{lease: lease, timeout: timeout, signer: p.signer}, nil
}

type relaySession struct {
	lease   *session.Lease
	timeout time.Duration
	signer  *authSigner
}

func (s *relaySession) URL() relayurl.URL { return s.lease.URL() }

func (s *relaySession) Release() { _ = s.lease.Release() }
