package negotiation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/celeval"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
)

func input() AcceptanceInput {
	return AcceptanceInput{
		RequestID: "urn:req:1",
		Issuer:    consumer,
		Targets:   []string{artifactID},
		Rules:     []contracts.Rule{countRule("3")},
		Claims:    &identity.Claims{SecurityProfile: contracts.ProfileTrust},
	}
}

func TestCELHook(t *testing.T) {
	eval, err := celeval.New()
	require.NoError(t, err)

	h, err := NewCELHook(eval, `issuer == "https://consumer.example" && size(request.rules) <= 10`)
	require.NoError(t, err)
	ok, err := h.Accept(context.Background(), input())
	require.NoError(t, err)
	assert.True(t, ok)

	deny, err := NewCELHook(eval, `request.targets.all(t, t.startsWith("https://internal"))`)
	require.NoError(t, err)
	ok, err = deny.Accept(context.Background(), input())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewCELHook(eval, `issuer ==`)
	assert.Error(t, err)
}

const acceptancePolicy = `
package dsconnector.acceptance

default allow = false

allow {
	input.issuer == "https://consumer.example"
	count(input.rules) > 0
	not prohibited
}

prohibited {
	input.rules[_]["@type"] == "ids:Prohibition"
}
`

func TestRegoHook(t *testing.T) {
	ctx := context.Background()
	h, err := NewRegoHook(ctx, acceptancePolicy, "")
	require.NoError(t, err)

	ok, err := h.Accept(ctx, input())
	require.NoError(t, err)
	assert.True(t, ok)

	in := input()
	in.Rules = append(in.Rules, contracts.Rule{Kind: contracts.RuleProhibition, Target: artifactID})
	ok, err = h.Accept(ctx, in)
	require.NoError(t, err)
	assert.False(t, ok)

	in = input()
	in.Issuer = "https://stranger.example"
	ok, err = h.Accept(ctx, in)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewRegoHook(ctx, "package broken\nallow {", "")
	assert.Error(t, err)
}
