package probe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycheck/internal/relayurl"
	"relaycheck/internal/session"
)

// fakeRelay serves a NIP-11 document over plain HTTP and answers NIP-77
// messages on websocket upgrades.
type fakeRelay struct {
	infoStatus int
	infoBody   string
	infoHang   bool

	// greet is sent right after the upgrade, before any request.
	greet []any
	// negReply builds the answer to NEG-OPEN; nil means never answer.
	negReply func(subID string) []any

	// authChallenge is sent as an AUTH greeting when set. With requireAuth,
	// NEG-OPEN is refused until a valid AUTH event for it arrives.
	authChallenge string
	requireAuth   bool
	authedPubKey  chan string

	opened chan []json.RawMessage
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		f.serveWebsocket(w, r)
		return
	}
	if f.infoHang {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	if r.Header.Get("Accept") != "application/nostr+json" {
		http.Error(w, "wrong accept header", http.StatusBadRequest)
		return
	}
	status := f.infoStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/nostr+json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(f.infoBody))
}

func (f *fakeRelay) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if f.greet != nil {
		_ = conn.WriteJSON(f.greet)
	}
	if f.authChallenge != "" {
		_ = conn.WriteJSON([]any{"AUTH", f.authChallenge})
	}
	authenticated := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(frame[0], &label)

		switch label {
		case "AUTH":
			var ev nostr.Event
			if json.Unmarshal(frame[1], &ev) != nil {
				continue
			}
			var challenge string
			for _, tag := range ev.Tags {
				if len(tag) >= 2 && tag[0] == "challenge" {
					challenge = tag[1]
				}
			}
			valid, _ := ev.CheckSignature()
			ok := valid && ev.Kind == nostr.KindClientAuthentication && challenge == f.authChallenge
			_ = conn.WriteJSON([]any{"OK", ev.ID, ok, ""})
			if ok {
				authenticated = true
				if f.authedPubKey != nil {
					f.authedPubKey <- ev.PubKey
				}
			}
		case "NEG-OPEN":
			var subID string
			_ = json.Unmarshal(frame[1], &subID)
			if f.opened != nil {
				f.opened <- frame
			}
			if f.requireAuth && !authenticated {
				_ = conn.WriteJSON([]any{"CLOSED", subID, "auth-required: negentropy is for members"})
				continue
			}
			if f.negReply != nil {
				_ = conn.WriteJSON(f.negReply(subID))
			}
		}
	}
}

func startRelay(t *testing.T, relay *fakeRelay) relayurl.URL {
	t.Helper()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return relayurl.MustParse("ws://" + strings.TrimPrefix(srv.URL, "http://"))
}

func newTestProber(t *testing.T, timeout time.Duration) (*Prober, *session.Manager) {
	t.Helper()
	mgr, err := session.NewManager("127.0.0.1:1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return New(mgr, Config{StandardTimeout: timeout, AnonymityTimeout: 2 * timeout}), mgr
}

func connect(t *testing.T, p *Prober, u relayurl.URL) Session {
	t.Helper()
	s, err := p.Connect(context.Background(), u)
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func negMsg(subID string) []any { return []any{"NEG-MSG", subID, "6100"} }

func TestTimeoutByClass(t *testing.T) {
	p := New(nil, Config{})
	assert.Equal(t, 10*time.Second, p.Timeout(relayurl.ClassStandard))
	assert.Equal(t, 60*time.Second, p.Timeout(relayurl.ClassAnonymity))
}

func TestConnect(t *testing.T) {
	p, mgr := newTestProber(t, time.Second)
	u := startRelay(t, &fakeRelay{})

	s, err := p.Connect(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, u.String(), s.URL().String())
	assert.Equal(t, 1, mgr.Active())

	s.Release()
	assert.Equal(t, 0, mgr.Active())
}

func TestConnectFailure(t *testing.T) {
	p, mgr := newTestProber(t, 500*time.Millisecond)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = p.Connect(context.Background(), relayurl.MustParse("ws://"+addr))
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, relayurl.ClassStandard, connErr.Class)
	assert.Equal(t, 0, mgr.Active())
}

func TestFetchInfoDocument(t *testing.T) {
	p, _ := newTestProber(t, time.Second)
	u := startRelay(t, &fakeRelay{infoBody: `{ "software": "impl-x",  "supported_nips": [1, 11, 77] }`})

	doc, err := connect(t, p, u).FetchInfoDocument(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"software":"impl-x","supported_nips":[1,11,77]}`, string(doc))
	assert.NotContains(t, string(doc), " ")
}

func TestFetchInfoDocumentFailures(t *testing.T) {
	tests := []struct {
		name  string
		relay *fakeRelay
	}{
		{name: "not found", relay: &fakeRelay{infoStatus: http.StatusNotFound, infoBody: "nope"}},
		{name: "not json", relay: &fakeRelay{infoBody: "<html></html>"}},
		{name: "null document", relay: &fakeRelay{infoBody: "null"}},
		{name: "empty body", relay: &fakeRelay{}},
		{name: "timeout", relay: &fakeRelay{infoHang: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProber(t, 300*time.Millisecond)
			u := startRelay(t, tt.relay)

			doc, err := connect(t, p, u).FetchInfoDocument(context.Background())
			assert.Nil(t, doc)
			var capErr *CapabilityProbeError
			require.True(t, errors.As(err, &capErr))
			assert.Equal(t, CapabilityInfoDocument, capErr.Which)
		})
	}
}

func TestProbeSyncSupported(t *testing.T) {
	tests := []struct {
		name  string
		greet []any
	}{
		{name: "no greeting"},
		{name: "unsolicited auth challenge", greet: []any{"AUTH", "challenge"}},
		{name: "welcome notice", greet: []any{"NOTICE", "welcome"}},
		{name: "rate limit notice", greet: []any{"NOTICE", "rate-limited: slow down"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened := make(chan []json.RawMessage, 1)
			p, _ := newTestProber(t, time.Second)
			u := startRelay(t, &fakeRelay{
				greet:    tt.greet,
				negReply: negMsg,
				opened:   opened,
			})

			require.NoError(t, connect(t, p, u).ProbeSync(context.Background()))

			frame := <-opened
			require.Len(t, frame, 4)
			assert.JSONEq(t, `{"kinds":[0],"limit":0}`, string(frame[2]))
			assert.Equal(t, `"6100000200"`, string(frame[3]))
		})
	}
}

func TestProbeSyncAuthenticatesAndRetries(t *testing.T) {
	opened := make(chan []json.RawMessage, 2)
	authed := make(chan string, 1)
	p, _ := newTestProber(t, time.Second)
	u := startRelay(t, &fakeRelay{
		authChallenge: "challenge-123",
		requireAuth:   true,
		authedPubKey:  authed,
		negReply:      negMsg,
		opened:        opened,
	})

	require.NoError(t, connect(t, p, u).ProbeSync(context.Background()))

	assert.Len(t, opened, 2, "NEG-OPEN is sent again after authenticating")
	select {
	case pk := <-authed:
		assert.Equal(t, p.signer.publicKey, pk)
	default:
		t.Fatal("relay never accepted an AUTH event")
	}
}

func TestProbeSyncUnsupported(t *testing.T) {
	tests := []struct {
		name  string
		relay *fakeRelay
	}{
		{name: "neg-err", relay: &fakeRelay{negReply: func(subID string) []any {
			return []any{"NEG-ERR", subID, "blocked: negentropy disabled"}
		}}},
		{name: "closed", relay: &fakeRelay{negReply: func(subID string) []any {
			return []any{"CLOSED", subID, "error: unsupported"}
		}}},
		{name: "notice", relay: &fakeRelay{negReply: func(string) []any {
			return []any{"NOTICE", "ERROR: bad msg: unknown cmd"}
		}}},
		{name: "silent", relay: &fakeRelay{}},
		{name: "auth required without challenge", relay: &fakeRelay{requireAuth: true, negReply: negMsg}},
		{name: "auth required after authenticating", relay: &fakeRelay{
			authChallenge: "challenge-123",
			negReply:      func(subID string) []any {
				return []any{"CLOSED", subID, "auth-required: members only"}
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProber(t, 300*time.Millisecond)
			u := startRelay(t, tt.relay)

			err := connect(t, p, u).ProbeSync(context.Background())
			var capErr *CapabilityProbeError
			require.True(t, errors.As(err, &capErr))
			assert.Equal(t, CapabilitySync, capErr.Which)
		})
	}
}

func TestCheckProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	status := CheckProxy(context.Background(), addr, time.Second)
	assert.True(t, status.OK)
	assert.Empty(t, status.Error)

	require.NoError(t, ln.Close())
	status = CheckProxy(context.Background(), addr, time.Second)
	assert.False(t, status.OK)
	assert.NotEmpty(t, status.Error)
}
