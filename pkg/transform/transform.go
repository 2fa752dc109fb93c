// Package transform holds one payload transformer per message type. A
// transformer is a pure function of header, payload stream and claims; it
// keeps no state and is safe to call concurrently.
package transform

import (
	"io"
	"strings"

	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
	"github.com/Mindburn-Labs/dsconnector/pkg/infomodel"
)

// Func turns a raw payload into a typed value or a typed failure.
type Func[T any] func(h *contracts.Envelope, payload io.Reader, claims *identity.Claims) (T, error)

// PayloadString reads the whole payload. A nil reader yields "".
func PayloadString(payload io.Reader) (string, error) {
	if payload == nil {
		return "", nil
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, payload); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func readRequired(h *contracts.Envelope, payload io.Reader, what string) (string, error) {
	body, err := PayloadString(payload)
	if err != nil {
		return "", errorir.Wrap(errorir.KindDeserialization, err, "read "+what+" payload")
	}
	if strings.TrimSpace(body) == "" {
		id := ""
		if h != nil {
			id = h.ID
		}
		return "", errorir.New(errorir.KindMissingPayload, "message %s carries no %s", id, what)
	}
	return body, nil
}

// ContractRequest decodes a contract request payload.
func ContractRequest(d codec.Deserializer) Func[*contracts.ContractRequest] {
	return func(h *contracts.Envelope, payload io.Reader, _ *identity.Claims) (*contracts.ContractRequest, error) {
		body, err := readRequired(h, payload, "contract request")
		if err != nil {
			return nil, err
		}
		req, err := d.ContractRequest(body)
		if err != nil {
			return nil, errorir.Wrap(errorir.KindDeserialization, err, "contract request")
		}
		return req, nil
	}
}

// ContractAgreement decodes an echoed agreement.
func ContractAgreement(d codec.Deserializer) Func[*contracts.ContractAgreement] {
	return func(h *contracts.Envelope, payload io.Reader, _ *identity.Claims) (*contracts.ContractAgreement, error) {
		body, err := readRequired(h, payload, "contract agreement")
		if err != nil {
			return nil, err
		}
		a, err := d.ContractAgreement(body)
		if err != nil {
			return nil, errorir.Wrap(errorir.KindDeserialization, err, "contract agreement")
		}
		return a, nil
	}
}

// Resource decodes the resource carried by an update message.
func Resource(d codec.Deserializer) Func[*infomodel.Resource] {
	return func(h *contracts.Envelope, payload io.Reader, _ *identity.Claims) (*infomodel.Resource, error) {
		body, err := readRequired(h, payload, "resource")
		if err != nil {
			return nil, err
		}
		r, err := d.Resource(body)
		if err != nil {
			return nil, errorir.Wrap(errorir.KindDeserialization, err, "resource")
		}
		return r, nil
	}
}

// QueryInput decodes the optional query of an artifact request. A blank
// payload yields nil.
func QueryInput(d codec.Deserializer) Func[*contracts.QueryInput] {
	return func(_ *contracts.Envelope, payload io.Reader, _ *identity.Claims) (*contracts.QueryInput, error) {
		body, err := PayloadString(payload)
		if err != nil {
			return nil, errorir.Wrap(errorir.KindDeserialization, err, "read query input")
		}
		if strings.TrimSpace(body) == "" {
			return nil, nil
		}
		q, err := d.QueryInput(body)
		if err != nil {
			return nil, errorir.Wrap(errorir.KindInvalidInput, err, "query input")
		}
		return q, nil
	}
}
