// Package catalog models the persisted domain entities a connector offers:
// catalogs, resources, representations, artifacts, contracts and rules.
//
// Persistence proper is an external concern. Lookup is the read interface
// the pipeline consumes; MemoryLookup is a file-seeded implementation.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Lookup for unknown IDs.
var ErrNotFound = errors.New("entity not found")

// Kind tags the entity variants.
type Kind int

const (
	KindCatalog Kind = iota
	KindResource
	KindRepresentation
	KindArtifact
	KindContract
	KindRule

	// KindCount sizes tables keyed by Kind.
	KindCount
)

var kindNames = [...]string{
	KindCatalog:        "catalog",
	KindResource:       "resource",
	KindRepresentation: "representation",
	KindArtifact:       "artifact",
	KindContract:       "contract",
	KindRule:           "rule",
}

var (
	_ [len(kindNames) - int(KindCount)]struct{}
	_ [int(KindCount) - len(kindNames)]struct{}
)

func (k Kind) String() string {
	if k < 0 || k >= KindCount {
		return "unknown"
	}
	return kindNames[k]
}

// Entity is implemented by every domain entity.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	Extensions() map[string]string
}

type Catalog struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Resources   []string          `json:"resources,omitempty"`
	Additional  map[string]string `json:"additional,omitempty"`
	Created     time.Time         `json:"created"`
}

type Resource struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Keywords        []string          `json:"keywords,omitempty"`
	Publisher       string            `json:"publisher,omitempty"`
	Language        string            `json:"language,omitempty"`
	License         string            `json:"license,omitempty"`
	Version         string            `json:"version,omitempty"`
	Representations []string          `json:"representations,omitempty"`
	Contracts       []string          `json:"contracts,omitempty"`
	Additional      map[string]string `json:"additional,omitempty"`
	Created         time.Time         `json:"created"`
	Modified        time.Time         `json:"modified"`
}

type Representation struct {
	ID         string            `json:"id"`
	MediaType  string            `json:"mediaType,omitempty"`
	Language   string            `json:"language,omitempty"`
	Standard   string            `json:"standard,omitempty"`
	Artifacts  []string          `json:"artifacts,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
	Created    time.Time         `json:"created"`
	Modified   time.Time         `json:"modified"`
}

// Artifact points at the bytes of one representation instance. DataRef is
// the content hash under which the artifact store holds the data.
type Artifact struct {
	ID         string            `json:"id"`
	Title      string            `json:"title,omitempty"`
	ByteSize   int64             `json:"byteSize"`
	Checksum   string            `json:"checksum,omitempty"`
	DataRef    string            `json:"dataRef,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
	Created    time.Time         `json:"created"`
}

// Contract is a contract offer attached to a resource.
type Contract struct {
	ID         string            `json:"id"`
	Title      string            `json:"title,omitempty"`
	Consumer   string            `json:"consumer,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Rules      []string          `json:"rules,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
	Created    time.Time         `json:"created"`
}

// ContractRule stores a rule in its serialized wire form.
type ContractRule struct {
	ID         string            `json:"id"`
	Title      string            `json:"title,omitempty"`
	Value      string            `json:"value"`
	Additional map[string]string `json:"additional,omitempty"`
	Created    time.Time         `json:"created"`
}

func (c *Catalog) EntityID() string                     { return c.ID }
func (c *Catalog) EntityKind() Kind                     { return KindCatalog }
func (c *Catalog) Extensions() map[string]string        { return c.Additional }
func (r *Resource) EntityID() string                    { return r.ID }
func (r *Resource) EntityKind() Kind                    { return KindResource }
func (r *Resource) Extensions() map[string]string       { return r.Additional }
func (r *Representation) EntityID() string              { return r.ID }
func (r *Representation) EntityKind() Kind              { return KindRepresentation }
func (r *Representation) Extensions() map[string]string { return r.Additional }
func (a *Artifact) EntityID() string                    { return a.ID }
func (a *Artifact) EntityKind() Kind                    { return KindArtifact }
func (a *Artifact) Extensions() map[string]string       { return a.Additional }
func (c *Contract) EntityID() string                    { return c.ID }
func (c *Contract) EntityKind() Kind                    { return KindContract }
func (c *Contract) Extensions() map[string]string       { return c.Additional }
func (r *ContractRule) EntityID() string                { return r.ID }
func (r *ContractRule) EntityKind() Kind                { return KindRule }
func (r *ContractRule) Extensions() map[string]string   { return r.Additional }

// ValidAt reports whether the contract window contains now. Zero bounds are open.
func (c *Contract) ValidAt(now time.Time) bool {
	if !c.Start.IsZero() && now.Before(c.Start) {
		return false
	}
	if !c.End.IsZero() && now.After(c.End) {
		return false
	}
	return true
}

// Lookup reads domain entities.
type Lookup interface {
	Get(ctx context.Context, id string) (Entity, error)
	// ContractsFor returns the contract offers governing target, which may be
	// a resource or an artifact of one of its representations.
	ContractsFor(ctx context.Context, target string) ([]*Contract, error)
	Catalogs(ctx context.Context) ([]*Catalog, error)
}

// Updater applies resource updates announced by a remote connector.
type Updater interface {
	UpdateResource(ctx context.Context, r *Resource) error
}
