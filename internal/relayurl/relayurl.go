// Package relayurl parses relay addresses and classifies them by the route
// and timeout budget they need.
package relayurl

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Class groups relay addresses by transport route.
type Class int

const (
	// ClassStandard relays are dialed directly.
	ClassStandard Class = iota
	// ClassAnonymity relays live on an anonymizing overlay (.onion) and are
	// dialed through the local SOCKS proxy.
	ClassAnonymity
)

const (
	StandardTimeout  = 10 * time.Second
	AnonymityTimeout = 60 * time.Second
)

func (c Class) String() string {
	switch c {
	case ClassAnonymity:
		return "onion"
	default:
		return "standard"
	}
}

// DefaultTimeout returns the connection deadline budget for the class.
func (c Class) DefaultTimeout() time.Duration {
	if c == ClassAnonymity {
		return AnonymityTimeout
	}
	return StandardTimeout
}

// AddressParseError reports a relay address that cannot be probed.
type AddressParseError struct {
	Raw    string
	Reason string
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("invalid relay address %q: %s", e.Raw, e.Reason)
}

// URL is a parsed relay address in canonical form.
type URL struct {
	u *url.URL
}

// Parse normalises raw and validates that it is a websocket relay address.
func Parse(raw string) (URL, error) {
	normalized := nostr.NormalizeURL(raw)
	if normalized == "" {
		return URL{}, &AddressParseError{Raw: raw, Reason: "empty or unparsable"}
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return URL{}, &AddressParseError{Raw: raw, Reason: err.Error()}
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return URL{}, &AddressParseError{Raw: raw, Reason: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
	}
	if parsed.Hostname() == "" {
		return URL{}, &AddressParseError{Raw: raw, Reason: "missing host"}
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.Fragment = ""
	return URL{u: parsed}, nil
}

// MustParse is Parse for addresses known to be valid.
func MustParse(raw string) URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the canonical address without a trailing slash.
func (u URL) String() string {
	if u.u == nil {
		return ""
	}
	return u.u.String()
}

// Hostname returns the host without port.
func (u URL) Hostname() string {
	if u.u == nil {
		return ""
	}
	return u.u.Hostname()
}

// Class classifies the relay address.
func (u URL) Class() Class {
	return Classify(u)
}

// InfoURL is the HTTP endpoint serving the relay's NIP-11 document.
func (u URL) InfoURL() string {
	if u.u == nil {
		return ""
	}
	info := *u.u
	switch info.Scheme {
	case "wss":
		info.Scheme = "https"
	default:
		info.Scheme = "http"
	}
	if info.Path == "" {
		info.Path = "/"
	}
	return info.String()
}

// IsLocal reports whether the relay points at a loopback, private or
// link-local address, or a local-only hostname.
func (u URL) IsLocal() bool {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// Classify returns the address class of u. It only looks at the hostname,
// so the same address always yields the same class.
func Classify(u URL) Class {
	if strings.HasSuffix(strings.ToLower(u.Hostname()), ".onion") {
		return ClassAnonymity
	}
	return ClassStandard
}
