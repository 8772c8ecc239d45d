package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// negentropyProbeMessage is a protocol v1 initial message describing an
// empty set: one range up to infinity in IdList mode with zero ids.
const negentropyProbeMessage = "6100000200"

// syncProbeFilter selects profile metadata with a zero result cap, which
// keeps the exchange cheap and side-effect free.
func syncProbeFilter() nostr.Filter {
	return nostr.Filter{
		Kinds:     []int{nostr.KindProfileMetadata},
		LimitZero: true,
	}
}

// ProbeSync opens a NIP-77 negentropy exchange and reports whether the
// relay answers it without a protocol error.
func (s *relaySession) ProbeSync(ctx context.Context) error {
	if err := s.probeSync(ctx); err != nil {
		return &CapabilityProbeError{Which: CapabilitySync, URL: s.lease.URL().String(), Cause: err}
	}
	return nil
}

func (s *relaySession) probeSync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	conn := s.lease.Conn()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	subID := "neg-" + uuid.NewString()
	sendOpen := func() error {
		if err := conn.WriteJSON([]any{"NEG-OPEN", subID, syncProbeFilter(), negentropyProbeMessage}); err != nil {
			return fmt.Errorf("send NEG-OPEN: %w", err)
		}
		return nil
	}
	if err := sendOpen(); err != nil {
		return err
	}

	// A relay may refuse the first NEG-OPEN with auth-required; it is sent
	// again once, after the AUTH challenge has been answered.
	var authenticated, retryOnAuth, retried bool
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await negentropy reply: %w", err)
		}

		label, args, ok := parseRelayMessage(data)
		if !ok {
			continue
		}
		switch label {
		case "NEG-MSG":
			if firstArg(args) != subID {
				continue
			}
			_ = conn.WriteJSON([]any{"NEG-CLOSE", subID})
			return nil
		case "NEG-ERR", "CLOSED":
			if firstArg(args) != subID {
				continue
			}
			reason := secondArg(args)
			if strings.HasPrefix(reason, "auth-required:") && s.signer != nil && !retried {
				retried = true
				if !authenticated {
					retryOnAuth = true
					continue
				}
				if err := sendOpen(); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("relay rejected negentropy: %s", reason)
		case "AUTH":
			challenge := firstArg(args)
			if challenge == "" || s.signer == nil {
				continue
			}
			if err := s.signer.authenticate(conn, challenge, s.lease.URL().String()); err != nil {
				return err
			}
			authenticated = true
			if retryOnAuth {
				retryOnAuth = false
				if err := sendOpen(); err != nil {
					return err
				}
			}
		case "NOTICE":
			// Greetings and rate-limit notices are unrelated to the
			// exchange; only a relay that does not know NEG-OPEN ends it.
			if notice := firstArg(args); rejectsCommand(notice) {
				return fmt.Errorf("relay notice: %s", notice)
			}
		}
	}
}

// rejectsCommand reports whether a NOTICE says the relay does not
// understand negentropy messages.
func rejectsCommand(notice string) bool {
	notice = strings.ToLower(notice)
	return strings.Contains(notice, "unknown cmd") ||
		strings.Contains(notice, "unknown command") ||
		strings.Contains(notice, "neg-open")
}

func parseRelayMessage(data []byte) (string, []json.RawMessage, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return "", nil, false
	}
	var label string
	if err := json.Unmarshal(raw[0], &label); err != nil {
		return "", nil, false
	}
	return label, raw[1:], true
}

func firstArg(args []json.RawMessage) string  { return stringArg(args, 0) }
func secondArg(args []json.RawMessage) string { return stringArg(args, 1) }

func stringArg(args []json.RawMessage, i int) string {
	if i >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return ""
	}
	return s
}
