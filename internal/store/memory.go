package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/lockstep/internal/protocol"
)

// Memory is an in-process entity repository with the same compare and
// atomicity semantics as Store.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]*memEntity
}

type memEntity struct {
	record Record
	audit  []protocol.AuditEntry
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]*memEntity)}
}

// Create inserts a new entity at version 0.
func (m *Memory) Create(_ context.Context, id string, state protocol.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[id]; ok {
		return fmt.Errorf("create entity %s: %w", id, ErrAlreadyExists)
	}
	m.entities[id] = &memEntity{record: Record{
		ID:           id,
		State:        clone(state),
		InitialState: clone(state),
	}}
	return nil
}

// Load returns the current record of an entity.
func (m *Memory) Load(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return Record{}, protocol.ErrNotFound.ForEntity(id)
	}
	rec := e.record
	rec.State = clone(rec.State)
	rec.InitialState = clone(rec.InitialState)
	return rec, nil
}

// Commit validates every commit before writing any of them.
func (m *Memory) Commit(_ context.Context, commits ...Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(commits))
	for _, c := range commits {
		e, ok := m.entities[c.EntityID]
		if !ok {
			return protocol.ErrNotFound.ForEntity(c.EntityID)
		}
		if seen[c.EntityID] || e.record.Version != c.Expected {
			return protocol.ErrStorageRace.ForEntity(c.EntityID)
		}
		if c.Audit.RequestID != "" && slices.ContainsFunc(e.audit, func(a protocol.AuditEntry) bool {
			return a.RequestID == c.Audit.RequestID
		}) {
			return protocol.ErrStorageRace.ForEntity(c.EntityID)
		}
		seen[c.EntityID] = true
	}

	for _, c := range commits {
		e := m.entities[c.EntityID]
		e.record.Version = c.Version
		e.record.State = clone(c.State)
		entry := c.Audit
		entry.Action = clone(entry.Action)
		e.audit = append(e.audit, entry)
	}
	return nil
}

// AuditLog returns the accepted actions of an entity in version order.
func (m *Memory) AuditLog(_ context.Context, id string) ([]protocol.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, protocol.ErrNotFound.ForEntity(id)
	}
	out := make([]protocol.AuditEntry, len(e.audit))
	copy(out, e.audit)
	return out, nil
}

// FindRequest looks up the audit entry an earlier attempt produced.
func (m *Memory) FindRequest(_ context.Context, id, requestID string) (protocol.AuditEntry, bool, error) {
	if requestID == "" {
		return protocol.AuditEntry{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return protocol.AuditEntry{}, false, nil
	}
	for _, a := range e.audit {
		if a.RequestID == requestID {
			return a, true, nil
		}
	}
	return protocol.AuditEntry{}, false, nil
}

// ListEntities returns every entity id in ascending order.
func (m *Memory) ListEntities(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entities))
	for id := range m.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Delete removes an entity and its audit log.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[id]; !ok {
		return protocol.ErrNotFound.ForEntity(id)
	}
	delete(m.entities, id)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return slices.Clone(b)
}
