// Package memory implements the Memory Source contract (spec §4.2) and
// the Memory Manager that routes operations across named sources
// (spec §4.3). The Manager's source registry follows the generic
// BaseRegistry[T] pattern from the teacher's pkg/registry/registry.go,
// reused here the same way pkg/tools/registry.go and
// pkg/databases/registry.go wrap it for their own directories.
package memory

import (
	"context"
	"strings"
	"time"
)

// ItemMetadata describes the bookkeeping attached to a stored item
// (spec §3 MemoryItem.metadata).
type ItemMetadata struct {
	StoredAt time.Time
	TTL      *time.Duration // nil means never expire
	Tags     []string
}

// Expired reports whether, as of now, the item's TTL has elapsed.
func (m ItemMetadata) Expired(now time.Time) bool {
	if m.TTL == nil {
		return false
	}
	return !now.Before(m.StoredAt.Add(*m.TTL))
}

// Item is a stored (key, value) pair plus its metadata.
type Item struct {
	Key      string
	Value    any
	Metadata ItemMetadata
}

// StoreOpts configures Store.
type StoreOpts struct {
	TTL      *time.Duration
	Tags     []string
	Metadata map[string]any
}

// RetrieveOpts configures Retrieve.
type RetrieveOpts struct {
	IncludeMetadata bool
}

// ListOpts configures ListKeys.
type ListOpts struct {
	Pattern string
	Limit   int
	Cursor  string
}

// Source is the contract every memory backend implements (spec §4.2).
// Two optional operations, Count and Terminate, are exposed via the
// separate capability interfaces below (Counter, Terminator) so a minimal
// backend need only implement Source itself. No interface is defined for
// batch operations, Update, Exists, Clear or Info.
type Source interface {
	Store(ctx context.Context, key string, value any, opts StoreOpts) (Item, error)
	Retrieve(ctx context.Context, key string, opts RetrieveOpts) (Item, error)
	Delete(ctx context.Context, key string, opts DeleteOpts) error
	Search(ctx context.Context, query any, opts SearchOpts) ([]Item, error)
	ListKeys(ctx context.Context, opts ListOpts) ([]string, string, error)
}

// DeleteOpts configures Delete. Empty today; kept as a struct so
// backends can grow source-specific delete semantics without breaking
// the Source interface.
type DeleteOpts struct{}

// SearchOpts configures Search.
type SearchOpts struct {
	Limit int
}

// Terminator is implemented by sources that need explicit teardown
// (e.g. closing a connection pool). RemoveSource calls it when present.
type Terminator interface {
	Terminate(ctx context.Context) error
}

// Counter is implemented by sources that can report their item count
// cheaply, used by the memory_list_sources introspection tool.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// MatchesPattern implements the default reference-backend pattern
// semantics from spec §4.2: "*" matches everything, otherwise substring
// match. Backends with native pattern support (e.g. Redis SCAN MATCH)
// may bypass this and use their own glob semantics instead.
func MatchesPattern(key, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return strings.Contains(key, pattern)
}
