// Package memory implements the MemoryEntry intermediate representation
// (spec.md §3, §6's PII tag vocabulary) and a Store for capturing and
// retrieving agent context across and within runs.
//
// Grounded on original_source/src/agdd/core/memory.py's MemoryEntry/
// MemoryScope/create_memory/apply_default_ttl (read in full): the pydantic
// field validators become explicit Validate calls (idiomatic Go favors
// validating at construction or at the store boundary over per-field
// decorators), and the in-memory backend follows storage/memstore's
// map-plus-mutex shape rather than introducing a new persistence idiom.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scope is the lifetime/visibility class of a memory entry.
type Scope string

const (
	ScopeSession  Scope = "session"
	ScopeLongTerm Scope = "long_term"
	ScopeOrg      Scope = "org"
)

// validPIITags is the closed vocabulary from spec.md §6; any other value is
// rejected at Validate time.
var validPIITags = map[string]bool{
	"email": true, "phone": true, "ssn": true, "name": true, "address": true,
	"credit_card": true, "ip_address": true, "biometric": true, "health": true, "financial": true,
}

// Entry is a single piece of stored agent context.
type Entry struct {
	MemoryID        string
	Scope           Scope
	AgentSlug       string
	RunID           string // required when Scope == ScopeSession
	Key             string
	Value           map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
	PIITags         []string
	RetentionPolicy string
	Tags            []string
	Metadata        map[string]any
	Embedding       []float64
}

// IsExpired reports whether the entry's TTL has elapsed as of now.
func (e Entry) IsExpired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return !now.Before(*e.ExpiresAt)
}

// Validate checks the invariants spec.md places on a MemoryEntry: a session-
// scoped entry must carry a run_id, and pii_tags must come from the closed
// vocabulary in §6.
func Validate(e Entry) error {
	if e.Scope == ScopeSession && e.RunID == "" {
		return fmt.Errorf("memory: run_id is required for session-scoped memories")
	}
	for _, tag := range e.PIITags {
		if !validPIITags[tag] {
			return fmt.Errorf("memory: unknown pii tag %q", tag)
		}
	}
	return nil
}

// DefaultTTL returns the default retention window for scope, per
// apply_default_ttl: one hour for session, 30 days for long_term, 90 days
// for org, 24 hours for anything else.
func DefaultTTL(scope Scope) time.Duration {
	switch scope {
	case ScopeSession:
		return time.Hour
	case ScopeLongTerm:
		return 30 * 24 * time.Hour
	case ScopeOrg:
		return 90 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// NewEntryOptions configures New.
type NewEntryOptions struct {
	RunID           string
	TTL             time.Duration // zero means no expiration
	PIITags         []string
	Tags            []string
	RetentionPolicy string
	Metadata        map[string]any
}

// New builds a validated Entry with a fresh memory_id and created_at/
// updated_at stamped to now, mirroring create_memory.
func New(scope Scope, agentSlug, key string, value map[string]any, opts NewEntryOptions) (Entry, error) {
	now := time.Now().UTC()
	entry := Entry{
		MemoryID:        uuid.NewString(),
		Scope:           scope,
		AgentSlug:       agentSlug,
		RunID:           opts.RunID,
		Key:             key,
		Value:           value,
		CreatedAt:       now,
		UpdatedAt:       now,
		PIITags:         opts.PIITags,
		Tags:            opts.Tags,
		RetentionPolicy: opts.RetentionPolicy,
		Metadata:        opts.Metadata,
	}
	if opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		entry.ExpiresAt = &expires
	}
	if err := Validate(entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ListFilter narrows ListMemories results.
type ListFilter struct {
	Scope     Scope  // zero value means any scope
	AgentSlug string // empty means any agent
	RunID     string // empty means any run
	Key       string // empty means any key
}

// Backend is the persistence contract for memory entries, separate from
// storage.Backend so a caller can attach a lightweight in-memory store
// without pulling in run/event/ticket persistence it doesn't need.
type Backend interface {
	PutMemory(ctx context.Context, entry Entry) error
	GetMemory(ctx context.Context, memoryID string) (Entry, bool, error)
	ListMemories(ctx context.Context, filter ListFilter) ([]Entry, error)
	DeleteMemory(ctx context.Context, memoryID string) error
}

// Store wraps a Backend with the validation, expiry filtering, and
// TTL-defaulting behavior the Agent Runner's memory capture relies on.
type Store struct {
	backend Backend
}

// NewStore builds a Store over backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Capture validates and persists a new entry, applying DefaultTTL when the
// caller didn't specify one. This is what the Runner calls twice per run
// (key=input, key=output) when memory capture is enabled (spec.md §4.8).
func (s *Store) Capture(ctx context.Context, scope Scope, agentSlug, key string, value map[string]any, opts NewEntryOptions) (Entry, error) {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL(scope)
	}
	entry, err := New(scope, agentSlug, key, value, opts)
	if err != nil {
		return Entry{}, err
	}
	if err := s.backend.PutMemory(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get returns a memory entry by ID, excluding it if expired as of now.
func (s *Store) Get(ctx context.Context, memoryID string) (Entry, bool, error) {
	entry, ok, err := s.backend.GetMemory(ctx, memoryID)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	if entry.IsExpired(time.Now().UTC()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// List returns entries matching filter, excluding expired ones, newest
// first by created_at.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	entries, err := s.backend.ListMemories(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsExpired(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a memory entry by ID.
func (s *Store) Delete(ctx context.Context, memoryID string) error {
	return s.backend.DeleteMemory(ctx, memoryID)
}

// inmemBackend is the default map-plus-mutex Backend, mirroring
// storage/memstore's shape for a process-local, non-durable store.
type inmemBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemoryBackend returns a Backend suitable for tests and single-
// process development; it is not durable across restarts.
func NewInMemoryBackend() Backend {
	return &inmemBackend{entries: make(map[string]Entry)}
}

func (b *inmemBackend) PutMemory(ctx context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.MemoryID] = entry
	return nil
}

func (b *inmemBackend) GetMemory(ctx context.Context, memoryID string) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[memoryID]
	return e, ok, nil
}

func (b *inmemBackend) ListMemories(ctx context.Context, filter ListFilter) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Entry
	for _, e := range b.entries {
		if filter.Scope != "" && e.Scope != filter.Scope {
			continue
		}
		if filter.AgentSlug != "" && e.AgentSlug != filter.AgentSlug {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.Key != "" && e.Key != filter.Key {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *inmemBackend) DeleteMemory(ctx context.Context, memoryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, memoryID)
	return nil
}
