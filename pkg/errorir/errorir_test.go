package errorir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindMissingRules, "contract request %s has no rules", "urn:req:1")
	wrapped := fmt.Errorf("extract: %w", base)

	assert.Equal(t, KindMissingRules, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindMissingRules))
	assert.Equal(t, "contract request urn:req:1 has no rules", DetailOf(wrapped))
}

func TestKindOf_UntypedIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(KindDeserialization, nil, "ignored"))

	cause := errors.New("unexpected EOF")
	err := Wrap(KindDeserialization, cause, "contract request")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "DSC/PAYLOAD/DESERIALIZATION: contract request: unexpected EOF", err.Error())
}

func TestCode_OutOfRange(t *testing.T) {
	assert.Equal(t, "DSC/CORE/INTERNAL", Kind(-3).Code())
	assert.Equal(t, "DSC/CORE/INTERNAL", KindCount.Code())
	for k := Kind(0); k < KindCount; k++ {
		assert.NotEmpty(t, k.Code(), "kind %d has no code", k)
	}
}
