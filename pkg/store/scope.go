// Package store persists negotiation state, agreements and usage counters,
// and provides the transaction boundary every message is processed in.
package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

// ErrNotFound is returned when a negotiation or agreement does not exist.
var ErrNotFound = errors.New("store: not found")

// TxManager runs fn inside one transaction. Every mutation made through the
// store with the ctx passed to fn commits when fn returns nil and is undone
// when fn returns an error. Nested calls join the outer transaction.
type TxManager interface {
	Within(ctx context.Context, fn func(ctx context.Context) error) error
}

// Negotiation is the persisted state of one contract negotiation.
type Negotiation struct {
	ID          string
	Issuer      string
	State       string
	AgreementID string
	UpdatedAt   time.Time
}

// Record bundles the persistence operations the negotiation machine needs.
type Record interface {
	GetNegotiation(ctx context.Context, id string) (*Negotiation, error)
	PutNegotiation(ctx context.Context, n *Negotiation) error
	NegotiationByAgreement(ctx context.Context, agreementID string) (*Negotiation, error)
	GetAgreement(ctx context.Context, id string) (*contracts.ContractAgreement, error)
	PutAgreement(ctx context.Context, a *contracts.ContractAgreement) error
}

type scopeKey struct{}

type scope struct {
	tx *sql.Tx

	mu        sync.Mutex
	rollbacks []func()
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return scopeFrom(ctx) != nil
}

// OnRollback registers fn to run if the transaction carried by ctx rolls
// back. It compensates side effects made outside the database, such as a
// remote counter increment. It reports false when ctx has no transaction,
// in which case fn is never called.
func OnRollback(ctx context.Context, fn func()) bool {
	s := scopeFrom(ctx)
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.rollbacks = append(s.rollbacks, fn)
	s.mu.Unlock()
	return true
}

func (s *scope) compensate() {
	s.mu.Lock()
	fns := s.rollbacks
	s.rollbacks = nil
	s.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
