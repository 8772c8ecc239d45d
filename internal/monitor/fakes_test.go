package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"relaycheck/internal/models"
	"relaycheck/internal/probe"
	"relaycheck/internal/relayurl"
	"relaycheck/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory relays table.
type memStore struct {
	mu     sync.Mutex
	relays map[int64]*models.Relay
	nextID int64
	// failOp makes the named write fail for every relay.
	failOp string
	writes []string
}

func newMemStore() *memStore {
	return &memStore{relays: make(map[int64]*models.Relay)}
}

func (s *memStore) add(url string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.relays[s.nextID] = &models.Relay{ID: s.nextID, URL: url}
	return s.nextID
}

func (s *memStore) get(id int64) models.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.relays[id]
}

func (s *memStore) set(id int64, mutate func(r *models.Relay)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.relays[id])
}

func (s *memStore) ListStale(_ context.Context, cutoff time.Time) ([]models.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Relay, 0, len(s.relays))
	for _, r := range s.relays {
		if r.LastCheck == nil || r.LastCheck.Before(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) write(op string, id int64, mutate func(r *models.Relay)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, fmt.Sprintf("%s:%d", op, id))
	if op == s.failOp {
		return &storage.PersistenceError{Op: op, RelayID: id, Err: errors.New("disk full")}
	}
	r, ok := s.relays[id]
	if !ok {
		return &storage.PersistenceError{Op: op, RelayID: id, Err: storage.ErrRelayNotFound}
	}
	mutate(r)
	return nil
}

func (s *memStore) RecordConnection(_ context.Context, id int64, checkedAt time.Time, reachable bool) error {
	return s.write("connection", id, func(r *models.Relay) {
		at := time.Unix(checkedAt.Unix(), 0).UTC()
		r.LastCheck = &at
		r.Reachable = &reachable
	})
}

func (s *memStore) RecordInfoDocument(_ context.Context, id int64, doc []byte) error {
	return s.write("nip11", id, func(r *models.Relay) {
		v := string(doc)
		r.InfoDocument = &v
	})
}

func (s *memStore) RecordSyncSupport(_ context.Context, id int64, supported bool) error {
	return s.write("negentropy", id, func(r *models.Relay) {
		r.SyncSupport = &supported
	})
}

func (s *memStore) writeCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if len(w) > len(op) && w[:len(op)+1] == op+":" {
			n++
		}
	}
	return n
}

// relayBehavior scripts how a fake relay responds.
type relayBehavior struct {
	connectErr   error
	connectDelay time.Duration
	info         []byte
	infoErr      error
	syncErr      error
}

// fakeProber serves scripted sessions and tracks concurrency.
type fakeProber struct {
	mu        sync.Mutex
	behaviors map[string]relayBehavior
	connects  map[string]int
	releases  map[string]int

	active    atomic.Int64
	maxActive atomic.Int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		behaviors: make(map[string]relayBehavior),
		connects:  make(map[string]int),
		releases:  make(map[string]int),
	}
}

func (p *fakeProber) script(url string, b relayBehavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviors[relayurl.MustParse(url).String()] = b
}

func (p *fakeProber) Connect(ctx context.Context, u relayurl.URL) (probe.Session, error) {
	p.mu.Lock()
	b := p.behaviors[u.String()]
	p.connects[u.String()]++
	p.mu.Unlock()

	n := p.active.Add(1)
	for {
		peak := p.maxActive.Load()
		if n <= peak || p.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	if b.connectDelay > 0 {
		time.Sleep(b.connectDelay)
	}
	if b.connectErr != nil {
		p.active.Add(-1)
		return nil, &probe.ConnectionError{URL: u.String(), Class: relayurl.Classify(u), Cause: b.connectErr}
	}
	return &fakeSession{url: u, behavior: b, prober: p}, nil
}

func (p *fakeProber) connectCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects[relayurl.MustParse(url).String()]
}

func (p *fakeProber) releaseCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases[relayurl.MustParse(url).String()]
}

type fakeSession struct {
	url      relayurl.URL
	behavior relayBehavior
	prober   *fakeProber
}

func (s *fakeSession) URL() relayurl.URL { return s.url }

func (s *fakeSession) FetchInfoDocument(context.Context) ([]byte, error) {
	if s.behavior.infoErr != nil {
		return nil, &probe.CapabilityProbeError{Which: probe.CapabilityInfoDocument, URL: s.url.String(), Cause: s.behavior.infoErr}
	}
	if s.behavior.info == nil {
		return nil, &probe.CapabilityProbeError{Which: probe.CapabilityInfoDocument, URL: s.url.String(), Cause: errors.New("not found")}
	}
	return s.behavior.info, nil
}

func (s *fakeSession) ProbeSync(context.Context) error {
	if s.behavior.syncErr != nil {
		return &probe.CapabilityProbeError{Which: probe.CapabilitySync, URL: s.url.String(), Cause: s.behavior.syncErr}
	}
	return nil
}

func (s *fakeSession) Release() {
	s.prober.active.Add(-1)
	s.prober.mu.Lock()
	s.prober.releases[s.url.String()]++
	s.prober.mu.Unlock()
}

// runLog records appended run summaries.
type runLog struct {
	mu   sync.Mutex
	runs []models.RunSummary
}

func (l *runLog) Append(run models.RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, run)
	return nil
}

func (l *runLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}
