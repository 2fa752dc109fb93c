package transform

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func newCodec(t *testing.T) *codec.JSONCodec {
	t.Helper()
	c, err := codec.NewJSONCodec()
	require.NoError(t, err)
	return c
}

var header = &contracts.Envelope{ID: "urn:msg:1"}

func TestResource_BlankAndMalformed(t *testing.T) {
	tf := Resource(newCodec(t))

	_, err := tf(header, strings.NewReader("   \n"), nil)
	assert.True(t, errorir.Is(err, errorir.KindMissingPayload))

	_, err = tf(header, nil, nil)
	assert.True(t, errorir.Is(err, errorir.KindMissingPayload))

	_, err = tf(header, strings.NewReader(`{"title": "no id"}`), nil)
	assert.True(t, errorir.Is(err, errorir.KindDeserialization))

	_, err = tf(header, failingReader{}, nil)
	assert.True(t, errorir.Is(err, errorir.KindDeserialization))

	r, err := tf(header, strings.NewReader(`{"@id": "urn:resource:1"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "urn:resource:1", r.ID)
}

func TestContractRequest(t *testing.T) {
	tf := ContractRequest(newCodec(t))

	_, err := tf(header, strings.NewReader(""), nil)
	assert.True(t, errorir.Is(err, errorir.KindMissingPayload))

	_, err = tf(header, strings.NewReader("{"), nil)
	assert.True(t, errorir.Is(err, errorir.KindDeserialization))

	req, err := tf(header, strings.NewReader(`{"@id": "urn:req:1", "rules": [{"@type": "ids:Permission", "target": "urn:a"}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "urn:a", req.Rules[0].Target)
}

func TestQueryInput_Optional(t *testing.T) {
	tf := QueryInput(newCodec(t))

	q, err := tf(header, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, q)

	_, err = tf(header, strings.NewReader(`{"params": 1}`), nil)
	assert.True(t, errorir.Is(err, errorir.KindInvalidInput))
}

func TestTransformers_Concurrent(t *testing.T) {
	tf := ContractAgreement(newCodec(t))
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tf(header, strings.NewReader(`{"@id": "urn:agreement:1", "rules": []}`), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestPayloadString(t *testing.T) {
	s, err := PayloadString(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}
