package contracts

import (
	"io"
	"time"
)

// MessageType identifies the kind of a protocol message.
type MessageType int

const (
	MessageDescriptionRequest MessageType = iota
	MessageArtifactRequest
	MessageArtifactResponse
	MessageContractRequest
	MessageContractAgreement
	MessageContractRejection
	MessageResourceUpdate
	MessageNotification
	MessageProcessedNotification
	MessageRejection
	MessageDescriptionResponse

	// MessageTypeCount is the number of known message types. Tables keyed by
	// MessageType are sized against it.
	MessageTypeCount
)

// MessageUnknown is assigned to headers carrying a tag this connector does not know.
const MessageUnknown MessageType = -1

var messageTypeTags = [...]string{
	MessageDescriptionRequest:    "ids:DescriptionRequestMessage",
	MessageArtifactRequest:       "ids:ArtifactRequestMessage",
	MessageArtifactResponse:      "ids:ArtifactResponseMessage",
	MessageContractRequest:       "ids:ContractRequestMessage",
	MessageContractAgreement:     "ids:ContractAgreementMessage",
	MessageContractRejection:     "ids:ContractRejectionMessage",
	MessageResourceUpdate:        "ids:ResourceUpdateMessage",
	MessageNotification:          "ids:NotificationMessage",
	MessageProcessedNotification: "ids:MessageProcessedNotificationMessage",
	MessageRejection:             "ids:RejectionMessage",
	MessageDescriptionResponse:   "ids:DescriptionResponseMessage",
}

// Both directions: a missing or surplus tag fails to compile.
var (
	_ [len(messageTypeTags) - int(MessageTypeCount)]struct{}
	_ [int(MessageTypeCount) - len(messageTypeTags)]struct{}
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	return t >= 0 && t < MessageTypeCount
}

func (t MessageType) String() string {
	if !t.Valid() {
		return "ids:UnknownMessage"
	}
	return messageTypeTags[t]
}

// ParseMessageType maps a wire tag to its MessageType. Unknown tags yield MessageUnknown.
func ParseMessageType(tag string) MessageType {
	for i, s := range messageTypeTags {
		if s == tag {
			return MessageType(i)
		}
	}
	return MessageUnknown
}

func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	*t = ParseMessageType(string(b))
	return nil
}

// Envelope is the protocol header of a message. It is not modified after receipt.
type Envelope struct {
	ID                  string      `json:"@id"`
	Type                MessageType `json:"@type"`
	IssuerConnector     string      `json:"issuerConnector"`
	SenderAgent         string      `json:"senderAgent,omitempty"`
	RecipientConnectors []string    `json:"recipientConnector,omitempty"`
	Issued              time.Time   `json:"issued"`
	ModelVersion        string      `json:"modelVersion"`
	SecurityToken       string      `json:"securityToken,omitempty"`

	// Message-type specific correlation fields.
	CorrelationMessage string `json:"correlationMessage,omitempty"`
	TransferContract   string `json:"transferContract,omitempty"`
	RequestedArtifact  string `json:"requestedArtifact,omitempty"`
	RequestedElement   string `json:"requestedElement,omitempty"`
	AffectedResource   string `json:"affectedResource,omitempty"`
	RejectionReason    string `json:"rejectionReason,omitempty"`
}

// Message is an inbound protocol message. Payload may be nil.
type Message struct {
	Header  *Envelope
	Payload io.Reader
}

// Response is what every processed message yields.
type Response struct {
	Header *Envelope
	Body   string
}

// Rejected reports whether the response is a rejection of any variant.
func (r Response) Rejected() bool {
	return r.Header != nil && (r.Header.Type == MessageRejection || r.Header.Type == MessageContractRejection)
}

// SecurityProfile is the attested security level of a connector.
type SecurityProfile string

const (
	ProfileBase      SecurityProfile = "idsc:BASE_SECURITY_PROFILE"
	ProfileTrust     SecurityProfile = "idsc:TRUST_SECURITY_PROFILE"
	ProfileTrustPlus SecurityProfile = "idsc:TRUST_PLUS_SECURITY_PROFILE"
)

var profileRank = map[SecurityProfile]int{
	ProfileBase:      1,
	ProfileTrust:     2,
	ProfileTrustPlus: 3,
}

// Known reports whether p is a recognised profile.
func (p SecurityProfile) Known() bool {
	_, ok := profileRank[p]
	return ok
}

// AtLeast reports whether p is as strong as or stronger than required.
// Unknown profiles satisfy nothing.
func (p SecurityProfile) AtLeast(required SecurityProfile) bool {
	have, ok := profileRank[p]
	if !ok {
		return false
	}
	want, ok := profileRank[required]
	if !ok {
		return false
	}
	return have >= want
}
