// Package routetable holds the in-memory map from (method, path) to mock
// entries that the dispatcher consults on every request.
//
// The table is a copy-on-write structure: readers load an immutable snapshot
// through an atomic pointer and never take a lock; writers serialize on a
// mutex, build a new snapshot and publish it with a single pointer store. A
// reader therefore sees either the state before a write or the state after
// it, never a partially applied change.
//
// (method, path) is not unique across entries. The key slot belongs to the
// entry most recently upserted for it, enabled or not. A disabled owner makes
// the key miss. Removing or re-keying the owner hands the slot to the
// remaining entry with the highest write sequence for that key, which is the
// entry a full rebuild in updatedAt order would pick. Upserting any entry for
// the key again claims the slot.
package routetable

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/getmockd/prock/pkg/route"
)

// Entry is an immutable, pre-validated mock route.
type Entry struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"mock"`
	Enabled    bool            `json:"enabled"`
	// Seq is the table write sequence at which the entry was stored.
	Seq uint64 `json:"seq"`
	// Shadowed is set on Snapshot copies when another entry owns the key.
	Shadowed bool `json:"shadowed,omitempty"`
}

// Key returns the lookup key of the entry.
func (e Entry) Key() route.Key {
	return route.NewKey(e.Method, e.Path)
}

// NewEntry validates rec and parses its mock body. It returns an error
// wrapping route.ErrMalformedBody or route.ErrInvalid when the record
// cannot be served.
func NewEntry(rec *route.Record) (Entry, error) {
	if rec == nil {
		return Entry{}, fmt.Errorf("%w: nil record", route.ErrInvalid)
	}
	r := rec.Clone()
	r.Normalize()
	if err := r.Validate(); err != nil {
		return Entry{}, fmt.Errorf("route %s: %w", r.ID, err)
	}
	body, err := r.ParseBody()
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:         r.ID,
		Method:     r.Method,
		Path:       r.Path,
		StatusCode: r.StatusCode,
		Body:       body,
		Enabled:    r.Enabled,
	}, nil
}

// snapshot is never mutated after it is published.
type snapshot struct {
	version uint64
	byID    map[string]Entry
	owners  map[route.Key]string
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		version: s.version,
		byID:    make(map[string]Entry, len(s.byID)+1),
		owners:  make(map[route.Key]string, len(s.owners)+1),
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	for k, v := range s.owners {
		c.owners[k] = v
	}
	return c
}

// Table is the route table. The zero value is not usable; call New.
type Table struct {
	mu   sync.Mutex // serializes writers
	seq  uint64     // guarded by mu
	snap atomic.Pointer[snapshot]
}

// New creates an empty table.
func New() *Table {
	t := &Table{}
	t.snap.Store(&snapshot{
		byID:   map[string]Entry{},
		owners: map[route.Key]string{},
	})
	return t
}

// Lookup returns the enabled entry owning (method, path). The method is
// matched case-insensitively; the path exactly.
func (t *Table) Lookup(method, path string) (Entry, bool) {
	s := t.snap.Load()
	id, ok := s.owners[route.NewKey(method, path)]
	if !ok {
		return Entry{}, false
	}
	e, ok := s.byID[id]
	if !ok || !e.Enabled {
		return Entry{}, false
	}
	return e, true
}

// Get returns the entry stored for id, enabled or not.
func (t *Table) Get(id string) (Entry, bool) {
	e, ok := t.snap.Load().byID[id]
	return e, ok
}

// Upsert stores e, replacing any entry with the same id, and makes it the
// owner of its key.
func (t *Table) Upsert(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.snap.Load().clone()
	old, rekeyed := next.byID[e.ID]
	rekeyed = rekeyed && old.Key() != e.Key()
	t.seq++
	e.Seq = t.seq
	e.Shadowed = false
	next.byID[e.ID] = e
	next.owners[e.Key()] = e.ID
	if rekeyed {
		next.release(old.Key(), e.ID)
	}
	t.publish(next)
}

// Remove deletes the entry for id. It reports whether an entry existed;
// removing an unknown id leaves the table and its version untouched.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	old, ok := cur.byID[id]
	if !ok {
		return false
	}
	next := cur.clone()
	delete(next.byID, id)
	next.release(old.Key(), id)
	t.publish(next)
	return true
}

// release hands key to the newest remaining entry when id owned it.
func (s *snapshot) release(key route.Key, id string) {
	if s.owners[key] != id {
		return
	}
	delete(s.owners, key)
	var (
		best  string
		found bool
		seq   uint64
	)
	for eid, e := range s.byID {
		if e.Key() == key && (!found || e.Seq > seq) {
			best, seq, found = eid, e.Seq, true
		}
	}
	if found {
		s.owners[key] = best
	}
}

// Replace swaps in a table built from entries, applied in order so later
// entries win key ties.
func (t *Table) Replace(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := &snapshot{
		version: t.snap.Load().version,
		byID:    make(map[string]Entry, len(entries)),
		owners:  make(map[route.Key]string, len(entries)),
	}
	for _, e := range entries {
		old, dup := next.byID[e.ID]
		t.seq++
		e.Seq = t.seq
		e.Shadowed = false
		next.byID[e.ID] = e
		next.owners[e.Key()] = e.ID
		if dup && old.Key() != e.Key() {
			next.release(old.Key(), e.ID)
		}
	}
	t.publish(next)
}

// publish bumps the version and stores next. Callers hold t.mu.
func (t *Table) publish(next *snapshot) {
	next.version++
	t.snap.Store(next)
}

// Snapshot returns every entry, enabled or not, ordered by method, path and
// write sequence. Entries that do not own their key are marked Shadowed.
func (t *Table) Snapshot() []Entry {
	s := t.snap.Load()
	out := make([]Entry, 0, len(s.byID))
	for _, e := range s.byID {
		e.Shadowed = s.owners[e.Key()] != e.ID
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Seq < b.Seq
	})
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.snap.Load().byID)
}

// Version returns the snapshot version. It increases with every published
// write.
func (t *Table) Version() uint64 {
	return t.snap.Load().version
}
