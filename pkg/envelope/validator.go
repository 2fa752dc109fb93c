// Package envelope checks inbound message headers before any payload is
// touched. The checks are pure: they read the header and never mutate it.
package envelope

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

// DefaultSupportedVersions is used when no versions are configured.
var DefaultSupportedVersions = []string{"4.0.0", "4.1.0", "4.2.0"}

// Validator accepts a header when its model version satisfies one of the
// supported constraints. A plain version such as "4.0.0" is an exact match;
// ranges such as ">=4.0.0, <5.0.0" are allowed as well.
type Validator struct {
	supported   []*semver.Constraints
	descriptors []string
}

// NewValidator compiles the supported set. An empty set falls back to
// DefaultSupportedVersions.
func NewValidator(supported ...string) (*Validator, error) {
	if len(supported) == 0 {
		supported = DefaultSupportedVersions
	}
	v := &Validator{}
	for _, s := range supported {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		c, err := semver.NewConstraint(s)
		if err != nil {
			return nil, fmt.Errorf("supported version %q: %w", s, err)
		}
		v.supported = append(v.supported, c)
		v.descriptors = append(v.descriptors, s)
	}
	if len(v.supported) == 0 {
		return nil, fmt.Errorf("no supported model versions configured")
	}
	return v, nil
}

// Supported lists the configured constraints as written.
func (v *Validator) Supported() []string {
	out := make([]string, len(v.descriptors))
	copy(out, v.descriptors)
	return out
}

// Validate fails with KindMessageEmpty for a missing header and with
// KindVersionNotSupported for a model version outside the supported set.
func (v *Validator) Validate(h *contracts.Envelope) error {
	if h == nil {
		return errorir.New(errorir.KindMessageEmpty, "message header is missing")
	}
	if !v.SupportsVersion(h.ModelVersion) {
		return errorir.New(errorir.KindVersionNotSupported,
			"model version %q is not supported (supported: %s)", h.ModelVersion, strings.Join(v.descriptors, ", "))
	}
	return nil
}

// SupportsVersion reports whether raw satisfies any supported constraint.
func (v *Validator) SupportsVersion(raw string) bool {
	if raw == "" {
		return false
	}
	ver, err := semver.NewVersion(raw)
	if err != nil {
		return false
	}
	for _, c := range v.supported {
		if c.Check(ver) {
			return true
		}
	}
	return false
}

// RequireRequestedArtifact returns the requested artifact of an artifact
// request or fails with KindNoRequestedArtifact.
func RequireRequestedArtifact(h *contracts.Envelope) (string, error) {
	if h == nil || strings.TrimSpace(h.RequestedArtifact) == "" {
		return "", errorir.New(errorir.KindNoRequestedArtifact, "requested artifact is missing")
	}
	return h.RequestedArtifact, nil
}

// RequireTransferContract returns the transfer contract reference or fails
// with KindNoTransferContract.
func RequireTransferContract(h *contracts.Envelope) (string, error) {
	if h == nil || strings.TrimSpace(h.TransferContract) == "" {
		return "", errorir.New(errorir.KindNoTransferContract, "transfer contract is missing")
	}
	return h.TransferContract, nil
}

// RequireAffectedResource returns the affected resource of an update
// message or fails with KindNoAffectedResource.
func RequireAffectedResource(h *contracts.Envelope) (string, error) {
	if h == nil || strings.TrimSpace(h.AffectedResource) == "" {
		return "", errorir.New(errorir.KindNoAffectedResource, "affected resource is missing")
	}
	return h.AffectedResource, nil
}
