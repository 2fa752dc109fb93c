// Package identity authenticates peer connectors. A message carries a
// signed token; the verifier resolves it into Claims or fails with
// KindUnauthenticated.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

// Claims are the authenticated attributes of a message issuer.
type Claims struct {
	Subject         string
	Issuer          string
	Connector       string
	SecurityProfile contracts.SecurityProfile
	ExpiresAt       time.Time
}

// HasSecurityProfile reports whether the issuer attested any profile.
func (c *Claims) HasSecurityProfile() bool {
	return c != nil && c.SecurityProfile != ""
}

// ConnectorClaims is the token body exchanged between connectors.
type ConnectorClaims struct {
	jwt.RegisteredClaims
	SecurityProfile    string `json:"securityProfile,omitempty"`
	ReferringConnector string `json:"referringConnector,omitempty"`
}

// ClaimsVerifier resolves a security token into Claims.
type ClaimsVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// JWTVerifier checks Ed25519-signed connector tokens against a KeySet.
type JWTVerifier struct {
	keys     KeySet
	issuer   string
	audience string
	leeway   time.Duration
}

type VerifierOption func(*JWTVerifier)

// WithIssuer requires the given iss claim.
func WithIssuer(iss string) VerifierOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

// WithAudience requires the given aud claim.
func WithAudience(aud string) VerifierOption {
	return func(v *JWTVerifier) { v.audience = aud }
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) { v.leeway = d }
}

func NewJWTVerifier(ks KeySet, opts ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{keys: ks}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, errorir.New(errorir.KindUnauthenticated, "missing security token")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &ConnectorClaims{}, v.keys.KeyFunc(), parserOpts...)
	if err != nil {
		return nil, errorir.Wrap(errorir.KindUnauthenticated, err, "security token rejected")
	}
	cc, ok := parsed.Claims.(*ConnectorClaims)
	if !ok || !parsed.Valid {
		return nil, errorir.Wrap(errorir.KindUnauthenticated, jwt.ErrTokenSignatureInvalid, "security token rejected")
	}

	claims := &Claims{
		Subject:         cc.Subject,
		Issuer:          cc.Issuer,
		Connector:       cc.ReferringConnector,
		SecurityProfile: contracts.SecurityProfile(cc.SecurityProfile),
	}
	if cc.ExpiresAt != nil {
		claims.ExpiresAt = cc.ExpiresAt.Time
	}
	return claims, nil
}

// IssueToken signs a connector token valid for ttl.
func IssueToken(ctx context.Context, ks KeySet, subject, connector string, profile contracts.SecurityProfile, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := time.Now().UTC()
	return ks.Sign(ctx, ConnectorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    connector,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SecurityProfile:    string(profile),
		ReferringConnector: connector,
	})
}

// StaticVerifier accepts every token and returns fixed claims. It backs
// the development mode where no token infrastructure is configured.
type StaticVerifier struct {
	Claims Claims
}

func (s StaticVerifier) Verify(ctx context.Context, _ string) (*Claims, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.Claims
	return &c, nil
}
