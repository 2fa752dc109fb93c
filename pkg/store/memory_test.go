package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

func TestMemoryStore_RollbackRestoresState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.PutNegotiation(ctx, &Negotiation{ID: "n1", State: "REQUESTED"}))

	var compensated bool
	boom := errors.New("boom")
	err := s.Within(ctx, func(ctx context.Context) error {
		require.NoError(t, s.PutNegotiation(ctx, &Negotiation{ID: "n1", State: "ACCEPTED"}))
		require.NoError(t, s.PutAgreement(ctx, &contracts.ContractAgreement{ID: "a1"}))
		_, _, err := s.IncrementIfBelow(ctx, "a1", "t", 3)
		require.NoError(t, err)
		assert.True(t, OnRollback(ctx, func() { compensated = true }))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, compensated)

	n, err := s.GetNegotiation(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "REQUESTED", n.State)
	_, err = s.GetAgreement(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	c, _ := s.Count(ctx, "a1", "t")
	assert.Zero(t, c)
}

func TestMemoryStore_CommitAndNested(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Within(ctx, func(ctx context.Context) error {
		return s.Within(ctx, func(inner context.Context) error {
			assert.True(t, InTransaction(inner))
			return s.PutNegotiation(inner, &Negotiation{ID: "n1", State: "ACCEPTED", AgreementID: "a1"})
		})
	})
	require.NoError(t, err)

	n, err := s.NegotiationByAgreement(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "n1", n.ID)
	assert.False(t, OnRollback(ctx, func() {}))
}

func TestMemoryStore_PanicRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.Panics(t, func() {
		_ = s.Within(ctx, func(ctx context.Context) error {
			_ = s.PutNegotiation(ctx, &Negotiation{ID: "n1"})
			panic("stage exploded")
		})
	})
	_, err := s.GetNegotiation(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The lock is released after a panic.
	require.NoError(t, s.Within(ctx, func(context.Context) error { return nil }))
}

func TestMemoryStore_CounterNeverOvershoots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Within(ctx, func(ctx context.Context) error {
				_, ok, err := s.IncrementIfBelow(ctx, "a1", "t", 5)
				if ok {
					granted.Add(1)
				}
				return err
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), granted.Load())
	c, _ := s.Count(ctx, "a1", "t")
	assert.Equal(t, int64(5), c)
}

func TestMemoryStore_AgreementIsCopied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := &contracts.ContractAgreement{ID: "a1", Rules: []contracts.Rule{{Target: "urn:t"}}}
	require.NoError(t, s.PutAgreement(ctx, a))
	a.Rules[0] = contracts.Rule{Target: "urn:changed"}

	got, err := s.GetAgreement(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "urn:t", got.Rules[0].Target)
}
