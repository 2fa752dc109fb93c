package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages the local signing key and the trusted verification keys.
// Rotation keeps previously issued keys valid until evicted.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

const maxRetainedKeys = 10

// InMemoryKeySet holds keys in memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	private    map[string]ed25519.PrivateKey
	trusted    map[string]ed25519.PublicKey
	order      []string
}

func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{
		private: make(map[string]ed25519.PrivateKey),
		trusted: make(map[string]ed25519.PublicKey),
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a fresh signing key. The oldest generated key is evicted
// once more than maxRetainedKeys exist.
func (ks *InMemoryKeySet) Rotate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.private[kid] = priv
	ks.trusted[kid] = pub
	ks.currentKID = kid
	ks.order = append(ks.order, kid)

	if len(ks.order) > maxRetainedKeys {
		oldest := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.private, oldest)
		delete(ks.trusted, oldest)
	}
	return nil
}

// Trust registers a peer verification key under kid.
func (ks *InMemoryKeySet) Trust(kid string, pub ed25519.PublicKey) error {
	if kid == "" {
		return fmt.Errorf("kid must not be empty")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("key %s: invalid ed25519 public key size %d", kid, len(pub))
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.trusted[kid] = pub
	return nil
}

// TrustHex registers a hex-encoded peer key.
func (ks *InMemoryKeySet) TrustHex(kid, pubHex string) error {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("key %s: invalid hex: %w", kid, err)
	}
	return ks.Trust(kid, ed25519.PublicKey(raw))
}

func (ks *InMemoryKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.private[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.trusted[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key, nil
	}
}
