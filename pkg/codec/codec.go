// Package codec turns wire strings into domain values and back. Every
// inbound document is checked against a JSON Schema before it is decoded.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/infomodel"
)

// Deserializer decodes wire strings into domain values.
type Deserializer interface {
	Envelope(data string) (*contracts.Envelope, error)
	ContractRequest(data string) (*contracts.ContractRequest, error)
	ContractAgreement(data string) (*contracts.ContractAgreement, error)
	Resource(data string) (*infomodel.Resource, error)
	Rule(data string) (*contracts.Rule, error)
	QueryInput(data string) (*contracts.QueryInput, error)
}

// DecodeError reports a document that failed schema validation or decoding.
type DecodeError struct {
	Document string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Document, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// JSONCodec implements Deserializer for the JSON-LD flavoured wire format.
// It is safe for concurrent use: compiled schemas are read-only.
type JSONCodec struct {
	schemas map[string]*jsonschema.Schema
}

var documents = map[string]string{
	"envelope":           envelopeSchema,
	"contract-request":   contractRequestSchema,
	"contract-agreement": contractAgreementSchema,
	"resource":           resourceSchema,
	"rule":               ruleSchema,
	"query-input":        queryInputSchema,
}

// NewJSONCodec compiles the document schemas.
func NewJSONCodec() (*JSONCodec, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for name, src := range documents {
		if err := c.AddResource(schemaURL(name), strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("codec schema %s load failed: %w", name, err)
		}
	}

	jc := &JSONCodec{schemas: make(map[string]*jsonschema.Schema, len(documents))}
	for name := range documents {
		compiled, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("codec schema %s compile failed: %w", name, err)
		}
		jc.schemas[name] = compiled
	}
	return jc, nil
}

func schemaURL(name string) string {
	return schemaBase + name + ".schema.json"
}

func (c *JSONCodec) decode(document, data string, out any) error {
	var generic any
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return &DecodeError{Document: document, Err: err}
	}
	if err := c.schemas[document].Validate(generic); err != nil {
		return &DecodeError{Document: document, Err: err}
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return &DecodeError{Document: document, Err: err}
	}
	return nil
}

func (c *JSONCodec) Envelope(data string) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := c.decode("envelope", data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *JSONCodec) ContractRequest(data string) (*contracts.ContractRequest, error) {
	var req contracts.ContractRequest
	if err := c.decode("contract-request", data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *JSONCodec) ContractAgreement(data string) (*contracts.ContractAgreement, error) {
	var a contracts.ContractAgreement
	if err := c.decode("contract-agreement", data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *JSONCodec) Resource(data string) (*infomodel.Resource, error) {
	var r infomodel.Resource
	if err := c.decode("resource", data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *JSONCodec) Rule(data string) (*contracts.Rule, error) {
	var r contracts.Rule
	if err := c.decode("rule", data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *JSONCodec) QueryInput(data string) (*contracts.QueryInput, error) {
	var q contracts.QueryInput
	if err := c.decode("query-input", data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Serialize renders v in wire form without HTML escaping.
func Serialize(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("serialize %T: %w", v, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
