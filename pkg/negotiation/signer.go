package negotiation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/dsconnector/pkg/canonicalize"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

// signedContent is the part of an agreement covered by its signature.
// The confirmation flag changes after signing and is excluded.
type signedContent struct {
	ID        string           `json:"id"`
	RequestID string           `json:"requestId"`
	Rules     []contracts.Rule `json:"rules"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Consumer  string           `json:"consumer"`
	Provider  string           `json:"provider"`
}

func contentOf(a *contracts.ContractAgreement) signedContent {
	return signedContent{
		ID:        a.ID,
		RequestID: a.RequestID,
		Rules:     a.Rules,
		Start:     a.Start.UTC(),
		End:       a.End.UTC(),
		Consumer:  a.Consumer,
		Provider:  a.Provider,
	}
}

// Signer signs agreements with a connector key derived from a master seed.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner derives the connector's Ed25519 key with HKDF-SHA256, using the
// connector id as info. The same seed and id always yield the same key.
func NewSigner(seed []byte, connectorID string) (*Signer, error) {
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be at least %d bytes", ed25519.SeedSize)
	}
	if connectorID == "" {
		return nil, fmt.Errorf("connectorID must not be empty")
	}
	r := hkdf.New(sha256.New, seed, []byte("dsconnector-agreement-kdf"), []byte(connectorID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(derived)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the hex-encoded verification key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Sign sets the agreement's signature over its canonical content.
func (s *Signer) Sign(a *contracts.ContractAgreement) error {
	data, err := canonicalize.JCS(contentOf(a))
	if err != nil {
		return fmt.Errorf("canonicalize agreement %s: %w", a.ID, err)
	}
	a.Signature = hex.EncodeToString(ed25519.Sign(s.priv, data))
	return nil
}

// VerifyAgreement checks a's signature against a hex-encoded public key.
func VerifyAgreement(pubHex string, a *contracts.ContractAgreement) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	data, err := canonicalize.JCS(contentOf(a))
	if err != nil {
		return false, fmt.Errorf("canonicalize agreement %s: %w", a.ID, err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
