// Package errorir defines the typed failures raised by pipeline stages.
//
// Every stage returns either a value or an *Error carrying a Kind. The
// response builder recovers the kind with KindOf and maps it to exactly one
// outgoing rejection variant.
package errorir

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindInternal Kind = iota
	KindVersionNotSupported
	KindMessageEmpty
	KindUnauthenticated
	KindUnsupportedMessageType
	KindMissingRules
	KindMissingTargetInRule
	KindMalformedRule
	KindContractListEmpty
	KindContractRejected
	KindContractException
	KindUnconfirmedAgreement
	KindResourceNotFound
	KindPolicyRestriction
	KindMissingSecurityProfileClaim
	KindNoRequestedArtifact
	KindNoTransferContract
	KindNoAffectedResource
	KindInvalidAffectedResource
	KindDeserialization
	KindMissingPayload
	KindInvalidInput
	KindDataRetrieval

	// KindCount sizes tables keyed by Kind.
	KindCount
)

var kindCodes = [...]string{
	KindInternal:                    "DSC/CORE/INTERNAL",
	KindVersionNotSupported:         "DSC/ENVELOPE/VERSION_NOT_SUPPORTED",
	KindMessageEmpty:                "DSC/ENVELOPE/MESSAGE_EMPTY",
	KindUnauthenticated:             "DSC/ENVELOPE/UNAUTHENTICATED",
	KindUnsupportedMessageType:      "DSC/ENVELOPE/UNSUPPORTED_MESSAGE_TYPE",
	KindMissingRules:                "DSC/CONTRACT/MISSING_RULES",
	KindMissingTargetInRule:         "DSC/CONTRACT/MISSING_TARGET_IN_RULE",
	KindMalformedRule:               "DSC/CONTRACT/MALFORMED_RULE",
	KindContractListEmpty:           "DSC/CONTRACT/CONTRACT_LIST_EMPTY",
	KindContractRejected:            "DSC/CONTRACT/REJECTED",
	KindContractException:           "DSC/CONTRACT/EXCEPTION",
	KindUnconfirmedAgreement:        "DSC/CONTRACT/UNCONFIRMED_AGREEMENT",
	KindResourceNotFound:            "DSC/RESOURCE/NOT_FOUND",
	KindPolicyRestriction:           "DSC/POLICY/RESTRICTION",
	KindMissingSecurityProfileClaim: "DSC/POLICY/MISSING_SECURITY_PROFILE_CLAIM",
	KindNoRequestedArtifact:         "DSC/MESSAGE/NO_REQUESTED_ARTIFACT",
	KindNoTransferContract:          "DSC/MESSAGE/NO_TRANSFER_CONTRACT",
	KindNoAffectedResource:          "DSC/MESSAGE/NO_AFFECTED_RESOURCE",
	KindInvalidAffectedResource:     "DSC/MESSAGE/INVALID_AFFECTED_RESOURCE",
	KindDeserialization:             "DSC/PAYLOAD/DESERIALIZATION",
	KindMissingPayload:              "DSC/PAYLOAD/MISSING",
	KindInvalidInput:                "DSC/PAYLOAD/INVALID_INPUT",
	KindDataRetrieval:               "DSC/DATA/RETRIEVAL_FAILED",
}

var (
	_ [len(kindCodes) - int(KindCount)]struct{}
	_ [int(KindCount) - len(kindCodes)]struct{}
)

// Code returns the stable error code of the kind.
func (k Kind) Code() string {
	if k < 0 || k >= KindCount {
		return kindCodes[KindInternal]
	}
	return kindCodes[k]
}

func (k Kind) String() string { return k.Code() }

// Error is a typed pipeline failure.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Detail, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind.Code(), e.Cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Detail)
	default:
		return e.Kind.Code()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a typed failure.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil cause yields nil.
func Wrap(kind Kind, cause error, detail string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailOf returns the human-readable detail of the outermost *Error, or the
// error text when err is untyped.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
