package requestlog

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/getmockd/prock/pkg/events"
)

// DefaultMaxEntries is used when no capacity is given.
const DefaultMaxEntries = 1000

// Entry is one recorded request.
type Entry struct {
	ID string `json:"id"`
	events.ProxyRequestEvent
}

// Filter defines criteria for listing entries.
type Filter struct {
	// Method filters by HTTP method.
	Method string
	// PathPrefix filters by request path prefix.
	PathPrefix string
	// RouteID filters by the mock route that answered.
	RouteID string
	// Mocked filters by mock/forward outcome when set.
	Mocked *bool
	// Limit is the maximum number of entries to return.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
}

// Store defines request history storage.
type Store interface {
	Log(ev events.ProxyRequestEvent) *Entry
	List(filter *Filter) []*Entry
	Clear()
	Count() int
}

// MemoryStore is a bounded in-memory Store. It also implements
// events.Subscriber so it can be attached to an emitter directly.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []*Entry
	maxEntries int
	nextID     int64
}

// NewMemoryStore creates a store holding at most maxEntries entries.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		entries:    make([]*Entry, 0, min(maxEntries, 64)),
		maxEntries: maxEntries,
	}
}

// Log records ev and returns the stored entry.
func (s *MemoryStore) Log(ev events.ProxyRequestEvent) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry := &Entry{ID: "req-" + strconv.FormatInt(s.nextID, 36), ProxyRequestEvent: ev}

	// FIFO eviction: remove oldest if at capacity
	if len(s.entries) >= s.maxEntries {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, entry)
	return entry
}

// Handle records proxy request events and ignores everything else.
func (s *MemoryStore) Handle(ctx context.Context, ev events.Event) error {
	if e, ok := ev.(events.ProxyRequestEvent); ok {
		s.Log(e)
	}
	return nil
}

// List returns matching entries, newest first.
func (s *MemoryStore) List(filter *Filter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if filter != nil && !matchesFilter(entry, filter) {
			continue
		}
		result = append(result, entry)
	}

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []*Entry{}
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}
	return result
}

func matchesFilter(e *Entry, f *Filter) bool {
	if f.Method != "" && !strings.EqualFold(e.Method, f.Method) {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(e.Path, f.PathPrefix) {
		return false
	}
	if f.RouteID != "" && e.RouteID != f.RouteID {
		return false
	}
	if f.Mocked != nil && e.IsMocked != *f.Mocked {
		return false
	}
	return true
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}

// Count returns the number of entries.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var (
	_ Store             = (*MemoryStore)(nil)
	_ events.Subscriber = (*MemoryStore)(nil)
)
