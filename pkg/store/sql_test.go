package store

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

func newSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_AgreementRoundTrip(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	a := &contracts.ContractAgreement{
		ID:       "urn:agreement:1",
		Consumer: "https://consumer",
		Provider: "https://provider",
		Rules:    []contracts.Rule{{Kind: contracts.RulePermission, Target: "urn:artifact:1", Actions: []contracts.Action{contracts.ActionUse}}},
	}
	require.NoError(t, s.PutAgreement(ctx, a))
	a.Confirmed = true
	require.NoError(t, s.PutAgreement(ctx, a))

	got, err := s.GetAgreement(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
	assert.Equal(t, a.Rules, got.Rules)

	_, err = s.GetAgreement(ctx, "urn:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_NegotiationUpsert(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.PutNegotiation(ctx, &Negotiation{ID: "n1", Issuer: "https://c", State: "REQUESTED", UpdatedAt: now}))
	require.NoError(t, s.PutNegotiation(ctx, &Negotiation{ID: "n1", Issuer: "https://c", State: "ACCEPTED", AgreementID: "a1", UpdatedAt: now}))

	n, err := s.NegotiationByAgreement(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", n.State)
	assert.True(t, now.Equal(n.UpdatedAt))
}

func TestSQLite_WithinRollsBack(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Within(ctx, func(ctx context.Context) error {
		require.NoError(t, s.PutNegotiation(ctx, &Negotiation{ID: "n1", State: "ACCEPTED"}))
		_, ok, err := s.IncrementIfBelow(ctx, "a1", "t", 1)
		require.NoError(t, err)
		assert.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetNegotiation(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
	c, err := s.Count(ctx, "a1", "t")
	require.NoError(t, err)
	assert.Zero(t, c)
}

func TestSQLite_CounterConcurrent(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
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
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS negotiations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agreements").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_counters").WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewSQLStore(db, DialectPostgres)
	require.NoError(t, err)
	return s, mock
}

func TestPostgres_Bind(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", s.bind("a = ? AND b = ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.bind("a = ?"))
}

func TestPostgres_IncrementIfBelow(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_counters")).
		WithArgs("a1", "t").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE usage_counters SET count = count + 1")).
		WithArgs("a1", "t", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count FROM usage_counters WHERE agreement_id = $1 AND target = $2")).
		WithArgs("a1", "t").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectCommit()

	var granted bool
	var count int64
	err := s.Within(ctx, func(ctx context.Context) error {
		var err error
		count, granted, err = s.IncrementIfBelow(ctx, "a1", "t", 5)
		return err
	})
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, int64(5), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetAgreementNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM agreements WHERE id = $1")).
		WithArgs("urn:missing").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	_, err := s.GetAgreement(context.Background(), "urn:missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithinRollbackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO negotiations")).
		WithArgs("n1", "https://c", "REJECTED", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.Within(context.Background(), func(ctx context.Context) error {
		if err := s.PutNegotiation(ctx, &Negotiation{ID: "n1", Issuer: "https://c", State: "REJECTED"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
