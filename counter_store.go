package cistatsd

import (
	"sync"
	"sync/atomic"
)

// Counts is a snapshot of aggregated counters returned by CounterStore.GetAndReset.
type Counts map[CounterKey]int64

// Total returns the sum of all counts in the snapshot.
func (c Counts) Total() int64 {
	var total int64
	for _, v := range c {
		total += v
	}
	return total
}

// counterTable is one aggregation window.  Keys are written once per window
// and then only looked up, which is the access pattern sync.Map is built for.
type counterTable struct {
	counters sync.Map // CounterKey -> *int64, values must be accessed atomically
}

// CounterStore aggregates counter increments from any number of goroutines
// until they are drained by GetAndReset.
//
// Writers hold mu shared for the duration of a single counter update, so they
// never wait on each other.  GetAndReset holds it exclusively only for the
// swap to a fresh table, which is what attributes every increment to exactly
// one window: an update that got the shared lock before the swap is complete
// by the time the old table is read, and an update after it sees the new table.
type CounterStore struct {
	mu    sync.RWMutex
	table *counterTable
}

// NewCounterStore returns an empty CounterStore.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		table: &counterTable{},
	}
}

// Increment adds one to the counter identified by name, hostname and tags.
func (s *CounterStore) Increment(name, hostname string, tags Tags) {
	s.Add(name, hostname, tags, 1)
}

// Add adds delta to the counter identified by name, hostname and tags.
// Non-positive deltas are ignored.
func (s *CounterStore) Add(name, hostname string, tags Tags, delta int64) {
	if delta <= 0 {
		return
	}
	key := NewCounterKey(name, hostname, tags)

	s.mu.RLock()
	t := s.table
	v, ok := t.counters.Load(key)
	if !ok {
		v, _ = t.counters.LoadOrStore(key, new(int64))
	}
	atomic.AddInt64(v.(*int64), delta)
	s.mu.RUnlock()
}

// GetAndReset returns every counter accumulated since the previous call and
// starts a new, empty window.
func (s *CounterStore) GetAndReset() Counts {
	fresh := &counterTable{}

	s.mu.Lock()
	old := s.table
	s.table = fresh
	s.mu.Unlock()

	counts := Counts{}
	old.counters.Range(func(key, value interface{}) bool {
		counts[key.(CounterKey)] = atomic.LoadInt64(value.(*int64))
		return true
	})
	return counts
}

// Len returns the number of counters in the current window.
func (s *CounterStore) Len() int {
	s.mu.RLock()
	t := s.table
	s.mu.RUnlock()

	n := 0
	t.counters.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
