package probe

import (
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
)

// authSigner answers NIP-42 challenges with a throwaway key.
type authSigner struct {
	secretKey string
	publicKey string
}

func newAuthSigner() (*authSigner, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive auth public key: %w", err)
	}
	return &authSigner{secretKey: sk, publicKey: pk}, nil
}

// authenticate signs a kind 22242 event for challenge and sends it.
func (a *authSigner) authenticate(conn *websocket.Conn, challenge, relayURL string) error {
	ev := nip42.CreateUnsignedAuthEvent(challenge, a.publicKey, relayURL)
	if err := ev.Sign(a.secretKey); err != nil {
		return fmt.Errorf("sign auth event: %w", err)
	}
	if err := conn.WriteJSON([]any{"AUTH", ev}); err != nil {
		return fmt.Errorf("send AUTH: %w", err)
	}
	return nil
}
