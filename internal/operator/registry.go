package operator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateOperator is returned when a tag is registered twice.
	ErrDuplicateOperator = errors.New("operator already registered")

	// ErrInvalidOperator is returned for an empty tag or nil operator.
	ErrInvalidOperator = errors.New("invalid operator registration")
)

// Registry maps request-type tags to operators. Entries are immutable once added.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ops: make(map[string]Operator),
	}
}

// Register adds op under tag. The first registration of a tag wins.
func (r *Registry) Register(tag string, op Operator) error {
	if tag == "" || op == nil {
		return fmt.Errorf("%w: tag=%q", ErrInvalidOperator, tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[tag]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperator, tag)
	}
	r.ops[tag] = op
	return nil
}

// Lookup returns the operator registered under tag.
func (r *Registry) Lookup(tag string) (Operator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[tag]
	return op, ok
}

// Get returns the operator registered under tag, or nil.
func (r *Registry) Get(tag string) Operator {
	op, _ := r.Lookup(tag)
	return op
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.ops))
	for tag := range r.ops {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
