package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"io"

	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/envelope"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
	"github.com/Mindburn-Labs/dsconnector/pkg/infomodel"
	"github.com/Mindburn-Labs/dsconnector/pkg/negotiation"
	"github.com/Mindburn-Labs/dsconnector/pkg/observability"
	"github.com/Mindburn-Labs/dsconnector/pkg/policy"
	"github.com/Mindburn-Labs/dsconnector/pkg/resolver"
	"github.com/Mindburn-Labs/dsconnector/pkg/transform"
	"github.com/Mindburn-Labs/dsconnector/pkg/usagecontrol"
)

const (
	textProcessed         = "Message processed."
	textReceived          = "Message received."
	textAgreementReceived = "Received contract agreement message."
)

func serialize(v any) (string, error) {
	s, err := codec.Serialize(v)
	if err != nil {
		return "", errorir.Wrap(errorir.KindInternal, err, "serialize response")
	}
	return s, nil
}

func handleUnsupported(_ *Processor, _ context.Context, pc *Context) (contracts.Response, error) {
	return contracts.Response{}, errorir.New(errorir.KindUnsupportedMessageType,
		"%s is not accepted as an inbound message", pc.Header.Type)
}

func handleNotification(p *Processor, ctx context.Context, pc *Context) (contracts.Response, error) {
	p.logger.InfoContext(ctx, "notification received", "message", pc.Header.ID, "issuer", pc.issuer())
	return p.Responses.Processed(ctx, pc.Header, textProcessed), nil
}

// handleDescriptionRequest answers with the self-description, or with the
// requested element resolved to the configured depth.
func handleDescriptionRequest(p *Processor, ctx context.Context, pc *Context) (contracts.Response, error) {
	var (
		obj      any
		failures []resolver.ChildFailure
	)
	if element := pc.Header.RequestedElement; element == "" {
		conn, fs, err := p.Resolver.Describe(ctx, p.self)
		if err != nil {
			return contracts.Response{}, err
		}
		obj, failures = conn, fs
	} else {
		res, err := p.Resolver.ResolveID(ctx, element, p.maxDepth)
		if err != nil {
			return contracts.Response{}, err
		}
		if res.Object == nil {
			return contracts.Response{}, errorir.New(errorir.KindResourceNotFound, "element %s has no resolvable content", element)
		}
		obj, failures = res.Object, res.Failures
	}
	for _, f := range failures {
		p.logger.DebugContext(ctx, "description omits child", "failure", f.String())
	}

	body, err := serialize(obj)
	if err != nil {
		return contracts.Response{}, err
	}
	return p.Responses.Success(ctx, pc.Header, contracts.MessageDescriptionResponse, body), nil
}

// handleContractRequest validates and accepts a contract request. A
// validation failure is recorded as REJECTED once the message transaction
// has rolled back, so a replay answers with the same rejection.
func handleContractRequest(p *Processor, ctx context.Context, pc *Context) (contracts.Response, error) {
	req, err := transform.ContractRequest(p.Codec)(pc.Header, pc.Payload, pc.Claims)
	if err != nil {
		return contracts.Response{}, err
	}
	rules, err := policy.ExtractRules(req)
	if err != nil {
		return contracts.Response{}, err
	}
	if pc.Targets, err = policy.MapTargets(rules); err != nil {
		return contracts.Response{}, err
	}

	requestID := req.ID
	if requestID == "" {
		requestID = pc.Header.ID
	}
	pc.NegotiationID = negotiation.NegotiationID(pc.issuer(), requestID)

	agreement, err := p.Machine.Negotiate(ctx, negotiation.Request{
		NegotiationID: pc.NegotiationID,
		Issuer:        pc.issuer(),
		Claims:        pc.Claims,
		Contract:      req,
		Targets:       pc.Targets,
	})
	if err != nil {
		if errorir.KindOf(err) != errorir.KindInternal {
			id, issuer := pc.NegotiationID, pc.issuer()
			pc.onFailure(func(ctx context.Context) {
				p.recordTerminal(ctx, id, issuer, negotiation.StateRejected)
			})
		}
		return contracts.Response{}, err
	}
	p.obs.RecordNegotiation(ctx, string(negotiation.StateAgreementSent))

	body, err := serialize(agreement)
	if err != nil {
		return contracts.Response{}, err
	}
	return p.Responses.Success(ctx, pc.Header, contracts.MessageContractAgreement, body), nil
}

// handleContractAgreement confirms the counterparty's echo. A content
// mismatch aborts the negotiation.
func handleContractAgreement(p *Processor, ctx context.Context, pc *Context) (contracts.Response, error) {
	echo, err := transform.ContractAgreement(p.Codec)(pc.Header, pc.Payload, pc.Claims)
	if err != nil {
		return contracts.Response{}, err
	}
	id, err := p.Machine.Confirm(ctx, echo, pc.issuer())
	if err != nil {
		if id != "" && errorir.Is(err, errorir.KindContractException) {
			pc.NegotiationID = id
			issuer := pc.issuer()
			pc.onFailure(func(ctx context.Context) {
				p.recordTerminal(ctx, id, issuer, negotiation.StateAborted)
			})
		}
		return contracts.Response{}, err
	}
	pc.NegotiationID = id
	p.obs.RecordNegotiation(ctx, string(negotiation.StateConfirmed))
	return p.Responses.Processed(ctx, pc.Header, textAgreementReceived), nil
}

func (p *Processor) recordTerminal(ctx context.Context, id, issuer string, state negotiation.State) {
	if err := p.Machine.RecordTerminal(ctx, id, issuer, state); err != nil {
		p.logger.ErrorContext(ctx, "could not record negotiation outcome",
			"negotiation", id, "state", string(state), "error", err)
		return
	}
	p.obs.RecordNegotiation(ctx, string(state))
}

// handleArtifactRequest releases artifact data under a confirmed transfer
// contract. Every agreement rule on the artifact is checked exactly once;
// usage duties run only after the response has been committed.
func handleArtifactRequest(p *Processor, ctx context.Context, pc *Context) (contracts.Response, error) {
	artifactID, err := envelope.RequireRequestedArtifact(pc.Header)
	if err != nil {
		return contracts.Response{}, err
	}
	agreementID, err := envelope.RequireTransferContract(pc.Header)
	if err != nil {
		return contracts.Response{}, err
	}
	agreement, err := p.Machine.ValidateTransferContract(ctx, agreementID, artifactID, pc.issuer())
	if err != nil {
		return contracts.Response{}, err
	}

	artifact, err := p.artifact(ctx, artifactID)
	if err != nil {
		return contracts.Response{}, err
	}
	query, err := transform.QueryInput(p.Codec)(pc.Header, pc.Payload, pc.Claims)
	if err != nil {
		return contracts.Response{}, err
	}

	rc := usagecontrol.RequestContext{
		AgreementID:   agreement.ID,
		Target:        artifactID,
		Issuer:        pc.issuer(),
		Claims:        pc.Claims,
		TargetCreated: artifact.Created,
	}
	var rules []contracts.Rule
	for _, rule := range agreement.Rules {
		if rule.Target == artifactID {
			rules = append(rules, rule)
		}
	}
	grant, err := p.Gate.Authorize(ctx, rules, rc)
	p.obs.RecordAccess(ctx, err == nil, observability.AccessOperation(agreement.ID, artifactID)...)
	if err != nil {
		return contracts.Response{}, err
	}

	data, err := p.Source.Fetch(ctx, artifact, query)
	if err != nil {
		return contracts.Response{}, err
	}
	defer data.Close()
	raw, err := io.ReadAll(data)
	if err != nil {
		return contracts.Response{}, errorir.Wrap(errorir.KindDataRetrieval, err, "read "+artifactID)
	}
	pc.onSuccess(func(ctx context.Context) { p.Gate.RunDuties(ctx, grant) })
	return p.Responses.Success(ctx, pc.Header, contracts.MessageArtifactResponse,
		base64.StdEncoding.EncodeToString(raw)), nil
}

func (p *Processor) artifact(ctx context.Context, id string) (*catalog.Artifact, error) {
	e, err := p.Lookup.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, errorir.New(errorir.KindResourceNotFound, "artifact %s does not exist", id)
	}
	if err != nil {
		return nil, errorir.Wrap(errorir.KindInternal, err, "lookup "+id)
	}
	a, ok := e.(*catalog.Artifact)
	if !ok {
		return nil, errorir.New(errorir.KindResourceNotFound, "%s is a %s, not an artifact", id, e.EntityKind())
	}
	return a, nil
}

// handleResourceUpdate applies a remote resource description. The payload
// must describe the resource the header names.
func handleResourceUpdate(p *Processor, ctx context.Context, pc *Context) (contracts.Response, error) {
	affected, err := envelope.RequireAffectedResource(pc.Header)
	if err != nil {
		return contracts.Response{}, err
	}
	res, err := transform.Resource(p.Codec)(pc.Header, pc.Payload, pc.Claims)
	if err != nil {
		return contracts.Response{}, err
	}
	if res.ID != affected {
		return contracts.Response{}, errorir.New(errorir.KindInvalidAffectedResource,
			"payload describes %s but the message affects %s", res.ID, affected)
	}

	if p.Updater == nil {
		p.logger.InfoContext(ctx, "resource update ignored, no updater configured", "resource", affected)
		return p.Responses.Processed(ctx, pc.Header, textReceived), nil
	}
	update, err := p.mergeUpdate(ctx, res)
	if err != nil {
		return contracts.Response{}, err
	}
	err = p.Updater.UpdateResource(ctx, update)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return contracts.Response{}, errorir.New(errorir.KindResourceNotFound, "resource %s does not exist", affected)
	case err != nil:
		return contracts.Response{}, errorir.Wrap(errorir.KindInternal, err, "update "+affected)
	}
	return p.Responses.Processed(ctx, pc.Header, textReceived), nil
}

// mergeUpdate converts the wire resource into its domain form. Child
// references the update leaves out are kept from the stored resource.
func (p *Processor) mergeUpdate(ctx context.Context, in *infomodel.Resource) (*catalog.Resource, error) {
	out := &catalog.Resource{
		ID:          in.ID,
		Title:       in.Title,
		Description: in.Description,
		Keywords:    in.Keywords,
		Publisher:   in.Publisher,
		Language:    in.Language,
		License:     in.License,
		Version:     in.Version,
		Created:     in.Created,
		Modified:    in.Modified,
	}
	if len(in.Additional) > 0 {
		out.Additional = make(map[string]string, len(in.Additional))
		for k, v := range in.Additional {
			out.Additional[k] = v
		}
	}
	for _, r := range in.Representations {
		out.Representations = append(out.Representations, r.ID)
	}
	for _, c := range in.ContractOffers {
		out.Contracts = append(out.Contracts, c.ID)
	}

	e, err := p.Lookup.Get(ctx, in.ID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, errorir.New(errorir.KindResourceNotFound, "resource %s does not exist", in.ID)
	}
	if err != nil {
		return nil, errorir.Wrap(errorir.KindInternal, err, "lookup "+in.ID)
	}
	stored, ok := e.(*catalog.Resource)
	if !ok {
		return nil, errorir.New(errorir.KindInvalidAffectedResource, "%s is a %s, not a resource", in.ID, e.EntityKind())
	}
	if out.Representations == nil {
		out.Representations = stored.Representations
	}
	if out.Contracts == nil {
		out.Contracts = stored.Contracts
	}
	if out.Created.IsZero() {
		out.Created = stored.Created
	}
	return out, nil
}
