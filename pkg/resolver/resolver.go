// Package resolver translates catalog entities into their wire form.
//
// Resolution is depth bounded: children of an entity at depth d are only
// materialized when d+1 <= maxDepth, or always when maxDepth is negative.
// Children are resolved concurrently with a bounded number of workers and
// collected in input order. A child that cannot be resolved is dropped from
// its parent and reported in Result.Failures.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
	"github.com/Mindburn-Labs/dsconnector/pkg/infomodel"
)

// DefaultWorkers bounds the fan-out of one parent when unset.
const DefaultWorkers = 8

// ErrUnresolvable marks an entity that resolved to nothing, such as a
// representation without artifacts.
var ErrUnresolvable = errors.New("entity resolved to nothing")

// ChildFailure names a child that was dropped from its parent.
type ChildFailure struct {
	Parent string
	ID     string
	Err    error
}

func (f ChildFailure) String() string {
	return fmt.Sprintf("%s -> %s: %v", f.Parent, f.ID, f.Err)
}

// Result is a resolved wire object plus the children left out of it.
// Object is nil when the root itself resolved to nothing.
type Result struct {
	Object   any
	Failures []ChildFailure
}

type buildFunc func(r *Resolver, ctx context.Context, e catalog.Entity, depth, maxDepth int) (any, []ChildFailure, error)

// builders is filled in init since the builders recurse through resolve,
// which reads the table. Assigning the literal fails to compile unless it
// has exactly one entry per kind.
var builders [catalog.KindCount]buildFunc

func init() {
	builders = [...]buildFunc{
		catalog.KindCatalog:        buildCatalog,
		catalog.KindResource:       buildResource,
		catalog.KindRepresentation: buildRepresentation,
		catalog.KindArtifact:       buildArtifact,
		catalog.KindContract:       buildContract,
		catalog.KindRule:           buildRule,
	}
}

// Resolver builds wire objects from a Lookup.
type Resolver struct {
	lookup  catalog.Lookup
	codec   codec.Deserializer
	baseURI string
	workers int
	logger  *slog.Logger
}

type Option func(*Resolver)

// WithBaseURI sets the prefix applied to relative entity ids.
func WithBaseURI(base string) Option {
	return func(r *Resolver) { r.baseURI = strings.TrimSuffix(base, "/") }
}

// WithWorkers bounds concurrent child resolution per parent.
func WithWorkers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func New(lookup catalog.Lookup, dec codec.Deserializer, opts ...Option) *Resolver {
	r := &Resolver{
		lookup:  lookup,
		codec:   dec,
		workers: DefaultWorkers,
		logger:  slog.Default().With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve builds the wire object of e with e at depth 0.
func (r *Resolver) Resolve(ctx context.Context, e catalog.Entity, maxDepth int) (*Result, error) {
	return r.ResolveAt(ctx, e, 0, maxDepth)
}

// ResolveAt builds the wire object of e as if it sat at currentDepth.
func (r *Resolver) ResolveAt(ctx context.Context, e catalog.Entity, currentDepth, maxDepth int) (*Result, error) {
	if e == nil {
		return nil, errorir.New(errorir.KindResourceNotFound, "nothing to resolve")
	}
	obj, failures, err := r.resolve(ctx, e, currentDepth, maxDepth)
	if err != nil {
		return nil, err
	}
	return &Result{Object: obj, Failures: failures}, nil
}

// ResolveID looks id up and resolves it.
func (r *Resolver) ResolveID(ctx context.Context, id string, maxDepth int) (*Result, error) {
	e, err := r.lookup.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, errorir.New(errorir.KindResourceNotFound, "element %s does not exist", id)
	}
	if err != nil {
		return nil, errorir.Wrap(errorir.KindInternal, err, "lookup "+id)
	}
	return r.Resolve(ctx, e, maxDepth)
}

// Describe fills self with every catalog, resolved without children.
func (r *Resolver) Describe(ctx context.Context, self infomodel.Connector) (*infomodel.Connector, []ChildFailure, error) {
	cats, err := r.lookup.Catalogs(ctx)
	if err != nil {
		return nil, nil, errorir.Wrap(errorir.KindInternal, err, "list catalogs")
	}
	ids := make([]string, len(cats))
	for i, c := range cats {
		ids[i] = c.ID
	}
	out, failures := resolveChildren[*infomodel.Catalog](ctx, r, self.ID, ids, -1, 0)
	self.Catalogs = out
	return &self, failures, nil
}

func (r *Resolver) resolve(ctx context.Context, e catalog.Entity, depth, maxDepth int) (any, []ChildFailure, error) {
	k := e.EntityKind()
	if k < 0 || k >= catalog.KindCount {
		return nil, nil, fmt.Errorf("entity %s has unknown kind %d", e.EntityID(), int(k))
	}
	obj, failures, err := builders[k](r, ctx, e, depth, maxDepth)
	if err != nil || obj == nil {
		return nil, failures, err
	}
	r.copyExtensions(ctx, e, obj)
	return obj, failures, nil
}

// copyExtensions moves the entity's extension attributes onto the wire
// object when it exposes a property sink.
func (r *Resolver) copyExtensions(ctx context.Context, e catalog.Entity, obj any) {
	ext := e.Extensions()
	if len(ext) == 0 {
		return
	}
	sink, ok := obj.(infomodel.PropertySink)
	if !ok {
		r.logger.DebugContext(ctx, "wire type has no property sink, extensions dropped",
			"entity", e.EntityID(), "kind", e.EntityKind().String())
		return
	}
	for k, v := range ext {
		sink.SetProperty(k, v)
	}
}

func shouldGenerate(depth, maxDepth int) bool {
	return depth <= maxDepth || maxDepth < 0
}

// resolveChildren resolves ids one level below depth. It returns nil when
// the depth bound stops generation.
func resolveChildren[W any](ctx context.Context, r *Resolver, parent string, ids []string, depth, maxDepth int) ([]W, []ChildFailure) {
	next := depth + 1
	if !shouldGenerate(next, maxDepth) || len(ids) == 0 {
		return nil, nil
	}

	type slot struct {
		obj      W
		ok       bool
		failures []ChildFailure
	}
	slots := make([]slot, len(ids))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, id := range ids {
		g.Go(func() error {
			s := &slots[i]
			fail := func(err error) {
				s.failures = append(s.failures, ChildFailure{Parent: parent, ID: id, Err: err})
			}
			if err := ctx.Err(); err != nil {
				fail(err)
				return nil
			}
			e, err := r.lookup.Get(ctx, id)
			if err != nil {
				fail(err)
				return nil
			}
			obj, nested, err := r.resolve(ctx, e, next, maxDepth)
			s.failures = append(s.failures, nested...)
			switch {
			case err != nil:
				fail(err)
			case obj == nil:
				fail(ErrUnresolvable)
			default:
				w, ok := obj.(W)
				if !ok {
					fail(fmt.Errorf("%s is a %s, unexpected here", id, e.EntityKind()))
					return nil
				}
				s.obj, s.ok = w, true
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]W, 0, len(ids))
	var failures []ChildFailure
	for _, s := range slots {
		if s.ok {
			out = append(out, s.obj)
		}
		failures = append(failures, s.failures...)
	}
	for _, f := range failures {
		if f.Parent == parent {
			r.logger.DebugContext(ctx, "child dropped", "parent", parent, "child", f.ID, "error", f.Err)
		}
	}
	return out, failures
}

// selfLink makes relative ids absolute under the configured base URI.
func (r *Resolver) selfLink(id string) string {
	if r.baseURI == "" {
		return id
	}
	if u, err := url.Parse(id); err == nil && u.IsAbs() {
		return id
	}
	return r.baseURI + "/" + strings.TrimPrefix(id, "/")
}

func buildCatalog(r *Resolver, ctx context.Context, e catalog.Entity, depth, maxDepth int) (any, []ChildFailure, error) {
	c := e.(*catalog.Catalog)
	out := &infomodel.Catalog{
		ID:          r.selfLink(c.ID),
		Title:       c.Title,
		Description: c.Description,
	}
	var failures []ChildFailure
	out.Resources, failures = resolveChildren[*infomodel.Resource](ctx, r, c.ID, c.Resources, depth, maxDepth)
	return out, failures, nil
}

func buildResource(r *Resolver, ctx context.Context, e catalog.Entity, depth, maxDepth int) (any, []ChildFailure, error) {
	res := e.(*catalog.Resource)
	out := &infomodel.Resource{
		ID:          r.selfLink(res.ID),
		Title:       res.Title,
		Description: res.Description,
		Keywords:    res.Keywords,
		Publisher:   res.Publisher,
		Language:    res.Language,
		License:     res.License,
		Version:     res.Version,
		Created:     res.Created,
		Modified:    res.Modified,
	}
	var reps, offers []ChildFailure
	out.Representations, reps = resolveChildren[*infomodel.Representation](ctx, r, res.ID, res.Representations, depth, maxDepth)
	out.ContractOffers, offers = resolveChildren[*infomodel.ContractOffer](ctx, r, res.ID, res.Contracts, depth, maxDepth)
	return out, append(reps, offers...), nil
}

// buildRepresentation returns nil when no artifact could be included,
// including when the depth bound stops at the representation.
func buildRepresentation(r *Resolver, ctx context.Context, e catalog.Entity, depth, maxDepth int) (any, []ChildFailure, error) {
	rep := e.(*catalog.Representation)
	artifacts, failures := resolveChildren[*infomodel.Artifact](ctx, r, rep.ID, rep.Artifacts, depth, maxDepth)
	if len(artifacts) == 0 {
		return nil, failures, nil
	}
	return &infomodel.Representation{
		ID:        r.selfLink(rep.ID),
		MediaType: rep.MediaType,
		Language:  rep.Language,
		Standard:  rep.Standard,
		Created:   rep.Created,
		Modified:  rep.Modified,
		Artifacts: artifacts,
	}, failures, nil
}

func buildArtifact(r *Resolver, _ context.Context, e catalog.Entity, _, _ int) (any, []ChildFailure, error) {
	a := e.(*catalog.Artifact)
	return &infomodel.Artifact{
		ID:       r.selfLink(a.ID),
		FileName: a.Title,
		ByteSize: a.ByteSize,
		Checksum: a.Checksum,
		Created:  a.Created,
	}, nil, nil
}

func buildContract(r *Resolver, ctx context.Context, e catalog.Entity, depth, maxDepth int) (any, []ChildFailure, error) {
	c := e.(*catalog.Contract)
	out := &infomodel.ContractOffer{
		ID:       r.selfLink(c.ID),
		Title:    c.Title,
		Consumer: c.Consumer,
		Provider: c.Provider,
		Start:    c.Start,
		End:      c.End,
	}
	rules, failures := resolveChildren[*contracts.Rule](ctx, r, c.ID, c.Rules, depth, maxDepth)
	for _, rule := range rules {
		out.Rules = append(out.Rules, *rule)
	}
	return out, failures, nil
}

func buildRule(r *Resolver, _ context.Context, e catalog.Entity, _, _ int) (any, []ChildFailure, error) {
	cr := e.(*catalog.ContractRule)
	rule, err := r.codec.Rule(cr.Value)
	if err != nil {
		return nil, nil, errorir.Wrap(errorir.KindDeserialization, err, "rule "+cr.ID)
	}
	if rule.ID == "" {
		rule.ID = r.selfLink(cr.ID)
	}
	return rule, nil, nil
}
