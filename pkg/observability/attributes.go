package observability

import "go.opentelemetry.io/otel/attribute"

var (
	AttrMessageType      = attribute.Key("dsc.message.type")
	AttrIssuer           = attribute.Key("dsc.message.issuer")
	AttrRejectionKind    = attribute.Key("dsc.rejection.kind")
	AttrNegotiationState = attribute.Key("dsc.negotiation.state")
	AttrAgreementID      = attribute.Key("dsc.agreement.id")
	AttrTarget           = attribute.Key("dsc.target")
	AttrAccessGranted    = attribute.Key("dsc.access.granted")
)

// MessageOperation returns the attributes of one inbound message.
func MessageOperation(messageType, issuer string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageType.String(messageType),
		AttrIssuer.String(issuer),
	}
}

// AccessOperation returns the attributes of one gate decision.
func AccessOperation(agreementID, target string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgreementID.String(agreementID),
		AttrTarget.String(target),
	}
}
