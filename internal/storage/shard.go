package storage

import (
	"maps"
	"slices"
	"sync"

	"shardcast/internal/clock"
)

// Entry is a versioned value. A tombstone has Deleted set and no value.
type Entry struct {
	Value   []byte
	Version clock.Version
	Deleted bool
}

func (e Entry) clone() Entry {
	var value []byte
	if !e.Deleted {
		value = append([]byte(nil), e.Value...)
	}
	return Entry{
		Value:   value,
		Version: e.Version.Clone(),
		Deleted: e.Deleted,
	}
}

// Shard is a thread-safe in-memory key-value store owned by one node.
type Shard struct {
	mu     sync.RWMutex
	data   map[string]Entry
	nodeID string // Node ID ticked on every local write
}

// NewShard creates an empty shard for nodeID.
func NewShard(nodeID string) *Shard {
	return &Shard{
		data:   make(map[string]Entry),
		nodeID: nodeID,
	}
}

// NodeID returns the owning node's id.
func (s *Shard) NodeID() string {
	return s.nodeID
}

// Get returns a copy of the entry for key, tombstones included.
func (s *Shard) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[key]
	if !exists {
		return Entry{}, false
	}
	return e.clone(), true
}

// Put stores value under key and returns the new version, which descends
// from any previous one.
func (s *Shard) Put(key string, value []byte) clock.Version {
	return s.write(key, value, false)
}

// Delete replaces key with a tombstone and returns its version.
func (s *Shard) Delete(key string) clock.Version {
	return s.write(key, nil, true)
}

func (s *Shard) write(key string, value []byte, deleted bool) clock.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.data[key].Version.Tick(s.nodeID)
	s.data[key] = Entry{Value: value, Version: version, Deleted: deleted}.clone()
	return version.Clone()
}

// Apply stores a version produced elsewhere, unchanged, if it descends from
// the local one. It reports whether the shard changed.
func (s *Shard) Apply(key string, e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.data[key]; exists {
		if e.Version.Compare(existing.Version) != clock.After {
			return false
		}
	}
	s.data[key] = e.clone()
	return true
}

// Keys returns the live keys in sorted order.
func (s *Shard) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for _, key := range slices.Sorted(maps.Keys(s.data)) {
		if !s.data[key].Deleted {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of live keys.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.data {
		if !e.Deleted {
			n++
		}
	}
	return n
}
