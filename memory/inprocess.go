package memory

import (
	"context"
	"sync"
	"time"

	"github.com/flowstack/agentgraph/agenterrors"
)

// InProcessSource is the reference Source implementation: a mutex-guarded
// map, TTL checked lazily on read (spec §4.2's "checked lazily on access"
// policy), eagerly swept best-effort on Store to bound growth.
type InProcessSource struct {
	mu    sync.Mutex
	items map[string]Item
	now   func() time.Time
}

// NewInProcessSource returns an empty in-process backend. now defaults
// to time.Now when nil; tests may inject a fake clock.
func NewInProcessSource(now func() time.Time) *InProcessSource {
	if now == nil {
		now = time.Now
	}
	return &InProcessSource{items: make(map[string]Item), now: now}
}

func (s *InProcessSource) Store(_ context.Context, key string, value any, opts StoreOpts) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, it := range s.items {
		if it.Metadata.Expired(now) {
			delete(s.items, k)
		}
	}
	item := Item{
		Key:   key,
		Value: value,
		Metadata: ItemMetadata{
			StoredAt: now,
			TTL:      opts.TTL,
			Tags:     opts.Tags,
		},
	}
	s.items[key] = item
	return item, nil
}

func (s *InProcessSource) Retrieve(_ context.Context, key string, _ RetrieveOpts) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok || item.Metadata.Expired(s.now()) {
		if ok {
			delete(s.items, key)
		}
		return Item{}, agenterrors.ErrNotFound
	}
	return item, nil
}

func (s *InProcessSource) Delete(_ context.Context, key string, _ DeleteOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *InProcessSource) Search(_ context.Context, query any, opts SearchOpts) ([]Item, error) {
	pattern, _ := query.(string)
	if m, ok := query.(map[string]any); ok {
		if p, ok := m["pattern"].(string); ok {
			pattern = p
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []Item
	for _, item := range s.items {
		if item.Metadata.Expired(now) {
			continue
		}
		if MatchesPattern(item.Key, pattern) {
			out = append(out, item)
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *InProcessSource) ListKeys(_ context.Context, opts ListOpts) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []string
	for key, item := range s.items {
		if item.Metadata.Expired(now) {
			continue
		}
		if MatchesPattern(key, opts.Pattern) {
			out = append(out, key)
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, "", nil
}

func (s *InProcessSource) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, item := range s.items {
		if !item.Metadata.Expired(now) {
			n++
		}
	}
	return n, nil
}
