package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

type counterKey struct {
	agreementID string
	target      string
}

// MemoryStore keeps all state in process. Transactions are serialized and
// rolled back by restoring a snapshot taken when they began.
type MemoryStore struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	negotiations map[string]Negotiation
	agreements   map[string]contracts.ContractAgreement
	counters     map[counterKey]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		negotiations: make(map[string]Negotiation),
		agreements:   make(map[string]contracts.ContractAgreement),
		counters:     make(map[counterKey]int64),
	}
}

type memorySnapshot struct {
	negotiations map[string]Negotiation
	agreements   map[string]contracts.ContractAgreement
	counters     map[counterKey]int64
}

func (m *MemoryStore) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := memorySnapshot{
		negotiations: make(map[string]Negotiation, len(m.negotiations)),
		agreements:   make(map[string]contracts.ContractAgreement, len(m.agreements)),
		counters:     make(map[counterKey]int64, len(m.counters)),
	}
	for k, v := range m.negotiations {
		snap.negotiations[k] = v
	}
	for k, v := range m.agreements {
		snap.agreements[k] = v
	}
	for k, v := range m.counters {
		snap.counters[k] = v
	}
	return snap
}

func (m *MemoryStore) restore(snap memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations = snap.negotiations
	m.agreements = snap.agreements
	m.counters = snap.counters
}

func (m *MemoryStore) Within(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	sc := &scope{}
	txCtx := context.WithValue(ctx, scopeKey{}, sc)

	defer func() {
		if p := recover(); p != nil {
			m.restore(snap)
			sc.compensate()
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		m.restore(snap)
		sc.compensate()
		return err
	}
	return nil
}

func (m *MemoryStore) GetNegotiation(_ context.Context, id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.negotiations[id]
	if !ok {
		return nil, fmt.Errorf("negotiation %s: %w", id, ErrNotFound)
	}
	return &n, nil
}

func (m *MemoryStore) PutNegotiation(_ context.Context, n *Negotiation) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("negotiation id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations[n.ID] = *n
	return nil
}

func (m *MemoryStore) NegotiationByAgreement(_ context.Context, agreementID string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.negotiations {
		if n.AgreementID == agreementID {
			return &n, nil
		}
	}
	return nil, fmt.Errorf("negotiation for agreement %s: %w", agreementID, ErrNotFound)
}

func (m *MemoryStore) GetAgreement(_ context.Context, id string) (*contracts.ContractAgreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	a.Rules = append([]contracts.Rule(nil), a.Rules...)
	return &a, nil
}

func (m *MemoryStore) PutAgreement(_ context.Context, a *contracts.ContractAgreement) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("agreement id must not be empty")
	}
	stored := *a
	stored.Rules = append([]contracts.Rule(nil), a.Rules...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agreements[a.ID] = stored
	return nil
}

// IncrementIfBelow adds one to the (agreement, target) counter unless it
// already reached max. It returns the resulting count and whether the
// increment happened.
func (m *MemoryStore) IncrementIfBelow(_ context.Context, agreementID, target string, max int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{agreementID, target}
	cur := m.counters[k]
	if cur >= max {
		return cur, false, nil
	}
	m.counters[k] = cur + 1
	return cur + 1, true, nil
}

// Count returns the current value of the (agreement, target) counter.
func (m *MemoryStore) Count(_ context.Context, agreementID, target string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[counterKey{agreementID, target}], nil
}
