package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nbd-wtf/go-nostr/nip11"
)

const maxInfoDocumentSize = 1 << 20

// FetchInfoDocument retrieves the relay's NIP-11 document over the same
// route as the session and returns it as compact JSON.
func (s *relaySession) FetchInfoDocument(ctx context.Context) ([]byte, error) {
	doc, err := s.fetchInfoDocument(ctx)
	if err != nil {
		return nil, &CapabilityProbeError{Which: CapabilityInfoDocument, URL: s.lease.URL().String(), Cause: err}
	}
	return doc, nil
}

func (s *relaySession) fetchInfoDocument(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.lease.URL().InfoURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := s.lease.HTTPClient(s.timeout).Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, errors.New("response is not a JSON object")
	}

	var doc nip11.RelayInformationDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, fmt.Errorf("compact document: %w", err)
	}
	return compact.Bytes(), nil
}
