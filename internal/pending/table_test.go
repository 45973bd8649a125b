package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardcast/internal/envelope"
	"shardcast/internal/operator"
)

func resp(id string, n int) envelope.Envelope {
	env, _ := envelope.New(id, "t", map[string]int{"n": n})
	return env
}

func TestEntry_CompletesAtExpected(t *testing.T) {
	e := NewEntry(operator.Call{ID: "r1", Type: "t", Expected: 3})

	var seen []int
	each := func(call *operator.Call, r envelope.Envelope) {
		seen = append(seen, call.Received)
	}

	for i := 1; i <= 2; i++ {
		accepted, complete := e.Accept(resp("r1", i), each)
		assert.True(t, accepted)
		assert.False(t, complete)
	}
	accepted, complete := e.Accept(resp("r1", 3), each)
	assert.True(t, accepted)
	assert.True(t, complete)

	// Finished entries ignore further responses
	accepted, complete = e.Accept(resp("r1", 4), each)
	assert.False(t, accepted)
	assert.False(t, complete)

	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Len(t, e.Responses(), 3)
	received, expected := e.Counts()
	assert.Equal(t, 3, received)
	assert.Equal(t, 3, expected)
	assert.False(t, e.Finish(), "Finish after completion must lose")
}

func TestEntry_ZeroExpectedCompletesOnFirstResponse(t *testing.T) {
	e := NewEntry(operator.Call{ID: "r0", Type: "t", Expected: 0})
	_, complete := e.Accept(resp("r0", 1), nil)
	assert.True(t, complete)
}

func TestEntry_FinishBeatsAccept(t *testing.T) {
	e := NewEntry(operator.Call{ID: "r2", Type: "t", Expected: 1})
	require.True(t, e.Finish())
	accepted, complete := e.Accept(resp("r2", 1), nil)
	assert.False(t, accepted)
	assert.False(t, complete)
}

func TestEntry_ArmFires(t *testing.T) {
	e := NewEntry(operator.Call{ID: "r3", Type: "t", Expected: 1})
	fired := make(chan struct{})
	e.Arm(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
}

func TestEntry_CompletionStopsTimer(t *testing.T) {
	e := NewEntry(operator.Call{ID: "r4", Type: "t", Expected: 1})
	var fired atomic.Bool
	e.Arm(30*time.Millisecond, func() { fired.Store(true) })

	_, complete := e.Accept(resp("r4", 1), nil)
	require.True(t, complete)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load(), "timer should be stopped on completion")
}

func TestEntry_ConcurrentAcceptCompletesOnce(t *testing.T) {
	const n = 50
	e := NewEntry(operator.Call{ID: "r5", Type: "t", Expected: n})

	var completions atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, complete := e.Accept(resp("r5", i), nil); complete {
				completions.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), completions.Load())
	assert.Len(t, e.Responses(), n)
}

func TestTable_InsertGetRemove(t *testing.T) {
	tbl := NewTable()
	e := NewEntry(operator.Call{ID: "a", Type: "t", Expected: 1})

	require.NoError(t, tbl.Insert(e))
	assert.True(t, tbl.Has("a"))
	assert.Equal(t, 1, tbl.Len())

	err := tbl.Insert(NewEntry(operator.Call{ID: "a", Type: "t"}))
	assert.True(t, errors.Is(err, ErrDuplicateID))

	got, ok := tbl.Get("a")
	require.True(t, ok)
	assert.Same(t, e, got)

	// A different entry with the same id must not remove the stored one
	assert.False(t, tbl.Remove(NewEntry(operator.Call{ID: "a"})))
	assert.True(t, tbl.Remove(e))
	assert.False(t, tbl.Remove(e))
	assert.False(t, tbl.Has("a"))
}

func TestTable_Drain(t *testing.T) {
	tbl := NewTable()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tbl.Insert(NewEntry(operator.Call{ID: id})))
	}
	drained := tbl.Drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, tbl.Len())
}

func TestFuture_SingleFire(t *testing.T) {
	f := NewFuture()

	_, _, ok := f.Result()
	assert.False(t, ok)

	assert.True(t, f.Resolve(42))
	assert.False(t, f.Reject(errors.New("late")))
	assert.False(t, f.Resolve(7))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err, ok = f.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-f.Done():
		t.Fatal("future should still be incomplete")
	default:
	}
}
