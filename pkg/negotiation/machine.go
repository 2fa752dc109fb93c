package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
	"github.com/Mindburn-Labs/dsconnector/pkg/policy"
	"github.com/Mindburn-Labs/dsconnector/pkg/store"
)

// State is the lifecycle position of a negotiation.
type State string

const (
	StateRequested     State = "REQUESTED"
	StateAccepted      State = "ACCEPTED"
	StateRejected      State = "REJECTED"
	StateAgreementSent State = "AGREEMENT_SENT"
	StateConfirmed     State = "CONFIRMED"
	StateAborted       State = "ABORTED"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateAborted || s == StateConfirmed
}

var transitions = map[State][]State{
	StateRequested:     {StateAccepted, StateRejected},
	StateAccepted:      {StateAgreementSent, StateAborted},
	StateAgreementSent: {StateConfirmed, StateAborted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var negotiationNamespace = uuid.MustParse("6f1c9a52-8a4e-4b43-9d55-3c0e1f1d2a77")

// NegotiationID derives a stable id from the issuer and the request id, so
// a replayed request lands on the same negotiation.
func NegotiationID(issuer, requestID string) string {
	return uuid.NewSHA1(negotiationNamespace, []byte(issuer+"\n"+requestID)).String()
}

// Request is one inbound contract request.
type Request struct {
	NegotiationID string
	Issuer        string
	Claims        *identity.Claims
	Contract      *contracts.ContractRequest
	Targets       policy.TargetRuleMap
}

// Machine advances negotiations. All mutations go through the store with
// the caller's transaction context.
type Machine struct {
	store       store.Record
	tx          store.TxManager
	validator   *RuleValidator
	signer      *Signer
	connectorID string
	baseURI     string
	clock       func() time.Time
	logger      *slog.Logger
}

type MachineOption func(*Machine)

func WithMachineClock(clock func() time.Time) MachineOption {
	return func(m *Machine) { m.clock = clock }
}

func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

func NewMachine(rec store.Record, tx store.TxManager, v *RuleValidator, signer *Signer, connectorID, baseURI string, opts ...MachineOption) *Machine {
	m := &Machine{
		store:       rec,
		tx:          tx,
		validator:   v,
		signer:      signer,
		connectorID: connectorID,
		baseURI:     strings.TrimSuffix(baseURI, "/"),
		clock:       time.Now,
		logger:      slog.Default().With("component", "negotiation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Negotiate handles a contract request end to end: it opens (or replays)
// the negotiation, validates it, accepts it and marks the agreement sent.
// On a validation failure the returned error carries the rejection kind;
// the caller records the REJECTED state once its transaction has rolled
// back, see RecordTerminal.
func (m *Machine) Negotiate(ctx context.Context, req Request) (*contracts.ContractAgreement, error) {
	n, err := m.Open(ctx, req.NegotiationID, req.Issuer)
	if err != nil {
		return nil, err
	}

	switch State(n.State) {
	case StateAccepted, StateAgreementSent, StateConfirmed:
		return m.agreementOf(ctx, n)
	case StateRejected, StateAborted:
		if _, verr := m.validator.Validate(ctx, req.Contract, req.Issuer, req.Claims, req.Targets); verr != nil {
			return nil, verr
		}
		return nil, errorir.New(errorir.KindContractRejected, "negotiation %s is %s", n.ID, n.State)
	}

	val, err := m.validator.Validate(ctx, req.Contract, req.Issuer, req.Claims, req.Targets)
	if err != nil {
		return nil, err
	}
	agreement, err := m.Accept(ctx, n, req, val)
	if err != nil {
		return nil, err
	}
	if err := m.MarkSent(ctx, n); err != nil {
		return nil, err
	}
	return agreement, nil
}

// Open returns the negotiation with id, creating it in REQUESTED.
func (m *Machine) Open(ctx context.Context, id, issuer string) (*store.Negotiation, error) {
	if id == "" {
		return nil, errorir.New(errorir.KindInternal, "negotiation id must not be empty")
	}
	n, err := m.store.GetNegotiation(ctx, id)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errorir.Wrap(errorir.KindInternal, err, "load negotiation")
	}
	n = &store.Negotiation{ID: id, Issuer: issuer, State: string(StateRequested), UpdatedAt: m.clock()}
	if err := m.store.PutNegotiation(ctx, n); err != nil {
		return nil, errorir.Wrap(errorir.KindInternal, err, "open negotiation")
	}
	return n, nil
}

func (m *Machine) transition(ctx context.Context, n *store.Negotiation, to State) error {
	from := State(n.State)
	if !canTransition(from, to) {
		return errorir.New(errorir.KindInternal, "negotiation %s cannot move from %s to %s", n.ID, from, to)
	}
	n.State = string(to)
	n.UpdatedAt = m.clock()
	if err := m.store.PutNegotiation(ctx, n); err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "persist negotiation state")
	}
	m.logger.DebugContext(ctx, "negotiation transition", "negotiation", n.ID, "from", string(from), "to", string(to))
	return nil
}

// Accept builds and signs the agreement for a validated request. The
// agreement carries the request's rules unchanged.
func (m *Machine) Accept(ctx context.Context, n *store.Negotiation, req Request, val *Validation) (*contracts.ContractAgreement, error) {
	if req.Contract == nil {
		return nil, errorir.New(errorir.KindInternal, "no contract request to accept")
	}
	now := m.clock().UTC()
	a := &contracts.ContractAgreement{
		ID:        m.baseURI + "/agreements/" + uuid.NewString(),
		RequestID: req.Contract.ID,
		Rules:     append([]contracts.Rule(nil), req.Contract.Rules...),
		Start:     now,
		End:       req.Contract.End,
		Consumer:  req.Issuer,
		Provider:  m.connectorID,
	}
	if !req.Contract.Start.IsZero() && req.Contract.Start.After(now) {
		a.Start = req.Contract.Start
	}
	if a.End.IsZero() && val != nil {
		a.End = val.OfferEnd()
	}
	if m.signer != nil {
		if err := m.signer.Sign(a); err != nil {
			return nil, errorir.Wrap(errorir.KindInternal, err, "sign agreement")
		}
	}
	if err := m.store.PutAgreement(ctx, a); err != nil {
		return nil, errorir.Wrap(errorir.KindInternal, err, "persist agreement")
	}
	n.AgreementID = a.ID
	if err := m.transition(ctx, n, StateAccepted); err != nil {
		return nil, err
	}
	return a, nil
}

// MarkSent records that the agreement went out to the counterparty.
func (m *Machine) MarkSent(ctx context.Context, n *store.Negotiation) error {
	return m.transition(ctx, n, StateAgreementSent)
}

// RecordTerminal persists REJECTED or ABORTED for a negotiation in its own
// transaction. It is meant to run after the message transaction rolled
// back, so the failure stays observable. A confirmed negotiation is never
// overwritten.
func (m *Machine) RecordTerminal(ctx context.Context, id, issuer string, state State) error {
	if state != StateRejected && state != StateAborted {
		return fmt.Errorf("state %s is not a failure state", state)
	}
	return m.tx.Within(ctx, func(ctx context.Context) error {
		n, err := m.store.GetNegotiation(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			n = &store.Negotiation{ID: id, Issuer: issuer}
		case err != nil:
			return err
		case State(n.State) == StateConfirmed:
			return nil
		}
		n.State = string(state)
		n.UpdatedAt = m.clock()
		return m.store.PutNegotiation(ctx, n)
	})
}

func (m *Machine) agreementOf(ctx context.Context, n *store.Negotiation) (*contracts.ContractAgreement, error) {
	a, err := m.store.GetAgreement(ctx, n.AgreementID)
	if err != nil {
		return nil, errorir.Wrap(errorir.KindInternal, err, "load agreement of "+n.ID)
	}
	return a, nil
}

// Confirm compares the counterparty's echo with the stored agreement. A
// match confirms the agreement once; repeating it is a no-op. A mismatch
// fails with KindContractException and the caller records ABORTED under
// the returned negotiation id. An echo from a connector other than the
// agreement's consumer fails the same way but returns no id, so a third
// party cannot abort someone else's negotiation.
func (m *Machine) Confirm(ctx context.Context, echo *contracts.ContractAgreement, issuer string) (string, error) {
	if echo == nil || echo.ID == "" {
		return "", errorir.New(errorir.KindMissingPayload, "no agreement to confirm")
	}
	local, err := m.store.GetAgreement(ctx, echo.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", errorir.New(errorir.KindResourceNotFound, "agreement %s is unknown", echo.ID)
	}
	if err != nil {
		return "", errorir.Wrap(errorir.KindInternal, err, "load agreement")
	}
	n, err := m.store.NegotiationByAgreement(ctx, echo.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", errorir.New(errorir.KindResourceNotFound, "no negotiation for agreement %s", echo.ID)
	}
	if err != nil {
		return "", errorir.Wrap(errorir.KindInternal, err, "load negotiation")
	}

	if local.Consumer != issuer {
		return "", errorir.New(errorir.KindContractException, "agreement %s was not issued to %s", echo.ID, issuer)
	}
	same := policy.CompareContracts(local, echo)

	switch State(n.State) {
	case StateConfirmed:
		if !same {
			return n.ID, errorir.New(errorir.KindContractException, "agreement %s differs from the confirmed one", echo.ID)
		}
		return n.ID, nil
	case StateAgreementSent:
	default:
		return n.ID, errorir.New(errorir.KindUnconfirmedAgreement, "agreement %s cannot be confirmed in state %s", echo.ID, n.State)
	}

	if !same {
		return n.ID, errorir.New(errorir.KindContractException, "agreement %s content does not match", echo.ID)
	}
	local.Confirmed = true
	if err := m.store.PutAgreement(ctx, local); err != nil {
		return n.ID, errorir.Wrap(errorir.KindInternal, err, "persist confirmation")
	}
	return n.ID, m.transition(ctx, n, StateConfirmed)
}

// ValidateTransferContract checks that agreementID may be used by issuer to
// fetch artifact now.
func (m *Machine) ValidateTransferContract(ctx context.Context, agreementID, artifact, issuer string) (*contracts.ContractAgreement, error) {
	a, err := m.store.GetAgreement(ctx, agreementID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorir.New(errorir.KindResourceNotFound, "transfer contract %s is unknown", agreementID)
	}
	if err != nil {
		return nil, errorir.Wrap(errorir.KindInternal, err, "load transfer contract")
	}

	covered := false
	for _, t := range a.Targets() {
		if t == artifact {
			covered = true
			break
		}
	}
	switch {
	case !covered:
		return nil, errorir.New(errorir.KindContractException, "transfer contract %s does not cover %s", agreementID, artifact)
	case a.Consumer != issuer:
		return nil, errorir.New(errorir.KindContractException, "transfer contract %s was not issued to %s", agreementID, issuer)
	case a.Expired(m.clock()):
		return nil, errorir.New(errorir.KindContractException, "transfer contract %s expired at %s", agreementID, a.End.Format(time.RFC3339))
	case !a.Confirmed:
		return nil, errorir.New(errorir.KindUnconfirmedAgreement, "transfer contract %s is not confirmed", agreementID)
	}
	return a, nil
}

// State returns the current state of a negotiation.
func (m *Machine) State(ctx context.Context, id string) (State, error) {
	n, err := m.store.GetNegotiation(ctx, id)
	if err != nil {
		return "", err
	}
	return State(n.State), nil
}
