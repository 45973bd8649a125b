package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) handle(channel string, payload []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, channel+"|"+string(payload))
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMemory_PrefixDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	ch := ChannelsFor("", "")
	reqs := newCollector()
	resps := newCollector()

	_, err := b.Subscribe(ctx, ch.Request, reqs.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, ch.Response, resps.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, ch.Request, []byte("r1")))
	require.NoError(t, b.Publish(ctx, ch.Response, []byte("s1")))
	require.NoError(t, b.Publish(ctx, ch.State, []byte("ignored")))

	assert.Equal(t, []string{ch.Request + "|r1"}, reqs.wait(t, 1))
	assert.Equal(t, []string{ch.Response + "|s1"}, resps.wait(t, 1))
}

func TestMemory_NumSub(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	ch := ChannelsFor("app", "/chat")

	n, err := b.NumSub(ctx, ch.Request)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	subs := make([]Subscription, 0, 3)
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe(ctx, ch.Request, func(string, []byte) {})
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	_, err = b.Subscribe(ctx, ch.Response, func(string, []byte) {})
	require.NoError(t, err)

	n, err = b.NumSub(ctx, ch.Request)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, subs[0].Close())
	require.NoError(t, subs[0].Close())

	n, err = b.NumSub(ctx, ch.Request)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemory_OrderPerSubscription(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	c := newCollector()
	_, err := b.Subscribe(ctx, "ch", c.handle)
	require.NoError(t, err)

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		payload := fmt.Sprintf("m%d", i)
		require.NoError(t, b.Publish(ctx, "ch", []byte(payload)))
		want = append(want, "ch|"+payload)
	}
	assert.Equal(t, want, c.wait(t, 50))
}

func TestMemory_HandlerMayPublish(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	out := newCollector()
	_, err := b.Subscribe(ctx, "out", out.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "in", func(channel string, payload []byte) {
		_ = b.Publish(ctx, "out", payload)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "in", []byte("echo")))
	assert.Equal(t, []string{"out|echo"}, out.wait(t, 1))
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(ctx, "ch", nil), ErrClosed)
	_, err := b.Subscribe(ctx, "ch", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelsFor_NamespacesDoNotCollide(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "prefix")
		ns1 := "/" + rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "ns1")
		ns2 := "/" + rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "ns2")
		if ns1 == ns2 {
			t.Skip("same namespace")
		}

		a := ChannelsFor(prefix, ns1)
		b := ChannelsFor(prefix, ns2)
		for _, x := range []string{a.State, a.Request, a.Response} {
			for _, y := range []string{b.State, b.Request, b.Response} {
				if x == y {
					t.Fatalf("channel %q shared by namespaces %q and %q", x, ns1, ns2)
				}
			}
		}
		if a.Request == a.Response || a.Request == a.State {
			t.Fatalf("channels of one namespace collide: %+v", a)
		}
	})
}
