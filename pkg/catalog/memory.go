package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Snapshot is the on-disk layout of a seeded catalog.
type Snapshot struct {
	Catalogs        []*Catalog        `json:"catalogs"`
	Resources       []*Resource       `json:"resources"`
	Representations []*Representation `json:"representations"`
	Artifacts       []*Artifact       `json:"artifacts"`
	Contracts       []*Contract       `json:"contracts"`
	Rules           []*ContractRule   `json:"rules"`
}

// MemoryLookup is an in-memory Lookup and Updater.
type MemoryLookup struct {
	mu       sync.RWMutex
	entities map[string]Entity
	catalogs []string
}

func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{entities: make(map[string]Entity)}
}

// LoadFile seeds a MemoryLookup from a JSON snapshot.
func LoadFile(path string) (*MemoryLookup, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	m := NewMemoryLookup()
	m.Load(&snap)
	return m, nil
}

// Load adds every entity of the snapshot.
func (m *MemoryLookup) Load(s *Snapshot) {
	for _, c := range s.Catalogs {
		m.Put(c)
	}
	for _, r := range s.Resources {
		m.Put(r)
	}
	for _, r := range s.Representations {
		m.Put(r)
	}
	for _, a := range s.Artifacts {
		m.Put(a)
	}
	for _, c := range s.Contracts {
		m.Put(c)
	}
	for _, r := range s.Rules {
		m.Put(r)
	}
}

// Put inserts or replaces an entity.
func (m *MemoryLookup) Put(e Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[e.EntityID()]; !exists && e.EntityKind() == KindCatalog {
		m.catalogs = append(m.catalogs, e.EntityID())
	}
	m.entities[e.EntityID()] = e
}

func (m *MemoryLookup) Get(_ context.Context, id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *MemoryLookup) Catalogs(_ context.Context) ([]*Catalog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Catalog, 0, len(m.catalogs))
	for _, id := range m.catalogs {
		if c, ok := m.entities[id].(*Catalog); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryLookup) ContractsFor(_ context.Context, target string) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}

	var owners []*Resource
	switch t := e.(type) {
	case *Resource:
		owners = []*Resource{t}
	case *Artifact:
		owners = m.ownersOfArtifact(t.ID)
	default:
		return nil, fmt.Errorf("%s %s cannot carry contracts", e.EntityKind(), target)
	}

	seen := make(map[string]bool)
	var out []*Contract
	for _, r := range owners {
		for _, cid := range r.Contracts {
			c, ok := m.entities[cid].(*Contract)
			if !ok || seen[cid] {
				continue
			}
			seen[cid] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryLookup) ownersOfArtifact(artifactID string) []*Resource {
	var owners []*Resource
	for _, e := range m.entities {
		res, ok := e.(*Resource)
		if !ok {
			continue
		}
	reps:
		for _, rid := range res.Representations {
			rep, ok := m.entities[rid].(*Representation)
			if !ok {
				continue
			}
			for _, aid := range rep.Artifacts {
				if aid == artifactID {
					owners = append(owners, res)
					break reps
				}
			}
		}
	}
	return owners
}

// UpdateResource replaces the stored resource. Unknown resources are rejected.
func (m *MemoryLookup) UpdateResource(_ context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[r.ID].(*Resource); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	m.entities[r.ID] = r
	return nil
}
