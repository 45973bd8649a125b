package pending

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"shardcast/internal/envelope"
	"shardcast/internal/operator"
)

// ErrDuplicateID is returned when inserting an id that is already pending.
var ErrDuplicateID = errors.New("request id already pending")

// Entry is one in-flight request owned by the originating node.
type Entry struct {
	mu        sync.Mutex
	call      operator.Call
	responses []envelope.Envelope
	future    *Future
	timer     *time.Timer
	created   time.Time
	done      bool
}

// NewEntry creates an entry for call with an incomplete future.
// Received is reset to zero.
func NewEntry(call operator.Call) *Entry {
	call.Received = 0
	return &Entry{
		call:    call,
		future:  NewFuture(),
		created: time.Now(),
	}
}

// ID returns the request id.
func (e *Entry) ID() string { return e.call.ID }

// Type returns the request-type tag.
func (e *Entry) Type() string { return e.call.Type }

// Future returns the entry's completion.
func (e *Entry) Future() *Future { return e.future }

// Created returns when the entry was created.
func (e *Entry) Created() time.Time { return e.created }

// Arm schedules fn after d. Any previously armed deadline is stopped.
func (e *Entry) Arm(d time.Duration, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, fn)
}

// Accept folds one response into the entry. each runs under the entry lock,
// so folds for one request are serialized in arrival order.
// accepted is false once the entry is finished; complete is true for
// exactly one call, the one that brings Received up to Expected.
func (e *Entry) Accept(resp envelope.Envelope, each func(*operator.Call, envelope.Envelope)) (accepted, complete bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return false, false
	}

	e.call.Received++
	e.responses = append(e.responses, resp)
	if each != nil {
		each(&e.call, resp)
	}

	if e.call.Received >= e.call.Expected {
		e.done = true
		e.stopTimer()
		return true, true
	}
	return true, false
}

// Finish marks the entry done if no one else has. The winner stops the
// deadline timer. It reports whether this call won.
func (e *Entry) Finish() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.done = true
	e.stopTimer()
	return true
}

func (e *Entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Call returns the originator's view of the request. After completion it
// is no longer mutated, so fold results may keep it.
func (e *Entry) Call() *operator.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &e.call
}

// Counts returns the received and expected response counts.
func (e *Entry) Counts() (received, expected int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call.Received, e.call.Expected
}

// Responses returns a copy of the accepted responses in arrival order.
func (e *Entry) Responses() []envelope.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]envelope.Envelope(nil), e.responses...)
}

// Table is the set of requests this node originated, keyed by request id.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*Entry),
	}
}

// Insert adds e under its id.
func (t *Table) Insert(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[e.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID())
	}
	t.entries[e.ID()] = e
	return nil
}

// Get returns the entry for id.
func (t *Table) Get(id string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Has reports whether id is pending.
func (t *Table) Has(id string) bool {
	_, ok := t.Get(id)
	return ok
}

// Remove deletes e if it is still the entry stored under its id.
// It reports whether anything was removed.
func (t *Table) Remove(e *Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[e.ID()]; ok && cur == e {
		delete(t.entries, e.ID())
		return true
	}
	return false
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain removes and returns every entry.
func (t *Table) Drain() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := make([]*Entry, 0, len(t.entries))
	for id, e := range t.entries {
		drained = append(drained, e)
		delete(t.entries, id)
	}
	return drained
}
