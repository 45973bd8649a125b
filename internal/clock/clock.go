package clock

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Version is a vector clock. Absent entries count as zero, and methods never
// modify the receiver, so a Version can be shared once built.
type Version map[string]uint64

// Order is the causal relationship between two versions.
type Order int

const (
	// Before indicates this version happened before the other.
	Before Order = iota
	// After indicates this version happened after the other.
	After
	// Concurrent indicates neither version has seen all of the other's writes.
	Concurrent
	// Equal indicates the versions have seen the same writes.
	Equal
)

func (o Order) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Equal:
		return "equal"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// Tick returns a copy of v with nodeID's counter advanced by one.
func (v Version) Tick(nodeID string) Version {
	next := v.Clone()
	next[nodeID]++
	return next
}

// Merge returns the pointwise maximum of v and other.
func (v Version) Merge(other Version) Version {
	merged := v.Clone()
	for nodeID, counter := range other {
		if merged[nodeID] < counter {
			merged[nodeID] = counter
		}
	}
	return merged
}

// Clone returns a copy of v without zero entries. It never returns nil.
func (v Version) Clone() Version {
	out := make(Version, len(v))
	for nodeID, counter := range v {
		if counter > 0 {
			out[nodeID] = counter
		}
	}
	return out
}

// Compare reports how v relates to other.
func (v Version) Compare(other Version) Order {
	var less, greater bool
	for nodeID, counter := range v {
		switch o := other[nodeID]; {
		case counter < o:
			less = true
		case counter > o:
			greater = true
		}
	}
	for nodeID, counter := range other {
		if _, seen := v[nodeID]; !seen && counter > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Descends reports whether v has seen every write other has.
func (v Version) Descends(other Version) bool {
	o := v.Compare(other)
	return o == After || o == Equal
}

// String renders v with sorted node ids, e.g. {n1:2, n2:1}.
func (v Version) String() string {
	if len(v) == 0 {
		return "{}"
	}

	parts := make([]string, 0, len(v))
	for _, nodeID := range slices.Sorted(maps.Keys(v)) {
		if v[nodeID] > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", nodeID, v[nodeID]))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Frontier returns the indexes of the maximal versions: those no other
// version happened after. Equal versions are reported once, at their first
// index. More than one index means concurrent writes.
func Frontier(versions []Version) []int {
	winners := make([]int, 0, 1)
	for i, v := range versions {
		dominated := false
		for j, other := range versions {
			if i != j && v.Compare(other) == Before {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}

		duplicate := false
		for _, w := range winners {
			if versions[w].Compare(v) == Equal {
				duplicate = true
				break
			}
		}
		if !duplicate {
			winners = append(winners, i)
		}
	}
	return winners
}
