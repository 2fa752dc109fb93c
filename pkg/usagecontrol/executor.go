package usagecontrol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

// Executor performs the logging and notification duties attached to rules.
type Executor interface {
	Log(ctx context.Context, rule contracts.Rule, rc RequestContext) error
	Notify(ctx context.Context, endpoint string, rule contracts.Rule, rc RequestContext) error
}

// NotifyFunc delivers a usage notification to a remote endpoint.
type NotifyFunc func(ctx context.Context, endpoint, body string) error

// SlogExecutor writes usage records to a structured logger and hands
// notifications to an optional sender.
type SlogExecutor struct {
	logger *slog.Logger
	send   NotifyFunc
}

func NewSlogExecutor(logger *slog.Logger, send NotifyFunc) *SlogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogExecutor{logger: logger, send: send}
}

func (e *SlogExecutor) Log(ctx context.Context, rule contracts.Rule, rc RequestContext) error {
	e.logger.InfoContext(ctx, "data access",
		"rule", rule.ID,
		"target", rc.Target,
		"agreement", rc.AgreementID,
		"issuer", rc.Issuer,
	)
	return nil
}

func (e *SlogExecutor) Notify(ctx context.Context, endpoint string, rule contracts.Rule, rc RequestContext) error {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}
	body := fmt.Sprintf("Target %s was accessed under agreement %s by %s at %s.",
		rc.Target, rc.AgreementID, rc.Issuer, now.UTC().Format(time.RFC3339))
	if e.send == nil {
		e.logger.InfoContext(ctx, "usage notification", "endpoint", endpoint, "rule", rule.ID, "body", body)
		return nil
	}
	return e.send(ctx, endpoint, body)
}
