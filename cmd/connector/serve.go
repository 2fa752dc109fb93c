package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/api"
	"github.com/Mindburn-Labs/dsconnector/pkg/artifacts"
	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/celeval"
	"github.com/Mindburn-Labs/dsconnector/pkg/client"
	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/config"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/envelope"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
	"github.com/Mindburn-Labs/dsconnector/pkg/infomodel"
	"github.com/Mindburn-Labs/dsconnector/pkg/negotiation"
	"github.com/Mindburn-Labs/dsconnector/pkg/observability"
	"github.com/Mindburn-Labs/dsconnector/pkg/pipeline"
	"github.com/Mindburn-Labs/dsconnector/pkg/resolver"
	"github.com/Mindburn-Labs/dsconnector/pkg/response"
	"github.com/Mindburn-Labs/dsconnector/pkg/usagecontrol"
)

const (
	tokenTTL        = time.Hour
	shutdownTimeout = 15 * time.Second
)

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 2
	}
	level, _ := observability.ParseLevel(cfg.LogLevel)
	logger := observability.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := newConnector(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if conn.limiter != nil {
		go conn.limiter.Cleanup(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           conn.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("connector ready", "addr", srv.Addr, "connector", cfg.ConnectorID, "policy_mode", cfg.Policy.Mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

// connector is the assembled process: the HTTP handler plus everything
// that has to be released on shutdown.
type connector struct {
	handler http.Handler
	limiter *api.RateLimiter
	obs     *observability.Provider
	closers []func() error
}

func (c *connector) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	errs = append(errs, c.obs.Shutdown(ctx))
	return errors.Join(errs...)
}

//nolint:gocyclo // linear wiring
func newConnector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *connector, err error) {
	c := &connector{}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	if c.obs, err = observability.New(ctx, &cfg.Observability); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	dec, err := codec.NewJSONCodec()
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, st.Close)
	ready := []func(context.Context) error{st.Ping}

	var counter usagecontrol.Counter = st
	if cfg.Store.RedisAddr != "" {
		rc := usagecontrol.NewRedisCounter(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		c.closers = append(c.closers, rc.Close)
		if err := rc.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		logger.InfoContext(ctx, "usage counters: redis", "addr", cfg.Store.RedisAddr)
		counter = rc
		ready = append(ready, rc.Ping)
	}

	lookup := catalog.NewMemoryLookup()
	if cfg.CatalogFile != "" {
		if lookup, err = catalog.LoadFile(cfg.CatalogFile); err != nil {
			return nil, err
		}
	} else {
		logger.WarnContext(ctx, "no catalog file configured, offering nothing")
	}

	blobs, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	source := artifacts.NewSource(blobs,
		artifacts.WithTimeout(cfg.DataTimeout),
		artifacts.WithSourceLogger(logger.With("component", "artifacts")))

	seed, err := loadOrGenerateSeed(cfg.KeySeedPath, logger)
	if err != nil {
		return nil, err
	}
	signer, err := negotiation.NewSigner(seed, cfg.ConnectorID)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "agreement signing key", "public_key", signer.PublicKey())

	keys, err := identity.NewInMemoryKeySet()
	if err != nil {
		return nil, fmt.Errorf("key set: %w", err)
	}
	for kid, pub := range cfg.Identity.TrustedKeys {
		if err := keys.TrustHex(kid, pub); err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", kid, err)
		}
	}
	var verifierOpts []identity.VerifierOption
	if cfg.Identity.Issuer != "" {
		verifierOpts = append(verifierOpts, identity.WithIssuer(cfg.Identity.Issuer))
	}
	if cfg.Identity.Audience != "" {
		verifierOpts = append(verifierOpts, identity.WithAudience(cfg.Identity.Audience))
	}
	verifier := identity.NewJWTVerifier(keys, verifierOpts...)
	profile := contracts.SecurityProfile(cfg.SecurityProfile)
	tokens := func(ctx context.Context) (string, error) {
		return identity.IssueToken(ctx, keys, cfg.ConnectorID, cfg.ConnectorID, profile, tokenTTL)
	}

	eval, err := celeval.New()
	if err != nil {
		return nil, fmt.Errorf("cel: %w", err)
	}
	hook, err := acceptanceHook(ctx, cfg, eval)
	if err != nil {
		return nil, err
	}
	mode := cfg.PolicyMode()
	if err := eval.Compile(cfg.Policy.Guard); err != nil {
		return nil, fmt.Errorf("unknown-pattern guard: %w", err)
	}

	baseURI := cfg.BaseURI
	if baseURI == "" {
		baseURI = cfg.ConnectorID
	}
	validator := negotiation.NewRuleValidator(lookup, dec,
		negotiation.WithPolicyMode(mode),
		negotiation.WithAcceptanceHook(hook),
		negotiation.WithOfferMatching(cfg.Policy.OfferMatching),
		negotiation.WithValidatorLogger(logger.With("component", "negotiation")))
	machine := negotiation.NewMachine(st, st, validator, signer, cfg.ConnectorID, baseURI,
		negotiation.WithMachineLogger(logger.With("component", "negotiation")))

	env, err := envelope.NewValidator(cfg.SupportedVersions...)
	if err != nil {
		return nil, err
	}

	outbound := client.New(cfg.ConnectorID, dec,
		client.WithTokenSource(tokens),
		client.WithModelVersion(cfg.ModelVersion),
		client.WithTimeout(cfg.DataTimeout),
		client.WithLogger(logger.With("component", "client")))
	gate := usagecontrol.NewGate(counter,
		usagecontrol.WithMode(mode),
		usagecontrol.WithGuard(eval, cfg.Policy.Guard),
		usagecontrol.WithExecutor(usagecontrol.NewSlogExecutor(logger.With("component", "usage"), outbound.Notify)),
		usagecontrol.WithLogger(logger.With("component", "usagecontrol")))

	self := infomodel.Connector{
		ID:             cfg.ConnectorID,
		ModelVersion:   cfg.ModelVersion,
		InboundModels:  env.Supported(),
		SecurityLevel:  profile,
		AccessEndpoint: strings.TrimSuffix(baseURI, "/") + api.DataPath,
	}

	proc, err := pipeline.NewProcessor(pipeline.Components{
		Envelope:  env,
		Codec:     dec,
		Tx:        st,
		Machine:   machine,
		Gate:      gate,
		Resolver:  resolver.New(lookup, dec, resolver.WithBaseURI(baseURI), resolver.WithWorkers(cfg.Resolver.Workers), resolver.WithLogger(logger.With("component", "resolver"))),
		Lookup:    lookup,
		Updater:   lookup,
		Source:    source,
		Responses: response.NewBuilder(cfg.ConnectorID, cfg.ModelVersion, response.WithTokenSource(tokens), response.WithLogger(logger.With("component", "response"))),
	},
		pipeline.WithClaimsVerifier(verifier, cfg.Identity.RequireToken),
		pipeline.WithVerifyTimeout(cfg.Identity.VerifyTimeout),
		pipeline.WithMaxDepth(cfg.Resolver.MaxDepth),
		pipeline.WithSelfDescription(self),
		pipeline.WithObservability(c.obs),
		pipeline.WithLogger(logger.With("component", "pipeline")),
	)
	if err != nil {
		return nil, err
	}

	opts := []api.Option{
		api.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		api.WithReadiness(func(ctx context.Context) error {
			for _, check := range ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		}),
		api.WithLogger(logger.With("component", "api")),
	}
	if cfg.HTTP.RateLimit > 0 {
		c.limiter = api.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst)
		opts = append(opts, api.WithRateLimiter(c.limiter))
	}
	c.handler = api.NewServer(proc, dec, opts...).Handler()
	return c, nil
}

func acceptanceHook(ctx context.Context, cfg *config.Config, eval *celeval.Evaluator) (negotiation.AcceptanceHook, error) {
	switch cfg.Policy.Acceptance {
	case config.AcceptanceCEL:
		return negotiation.NewCELHook(eval, cfg.Policy.AcceptanceExpr)
	case config.AcceptanceRego:
		return negotiation.NewRegoHookFromPath(ctx, cfg.Policy.AcceptanceExpr, cfg.Policy.RegoQuery)
	default:
		return negotiation.AcceptAll{}, nil
	}
}
