package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"shardcast/internal/bus"
	"shardcast/internal/config"
	"shardcast/internal/metrics"
)

// startBrokers starts n brokers on ephemeral ports, each peered with all others.
func startBrokers(t *testing.T, n int) ([]*Server, []config.Peer) {
	t.Helper()

	servers := make([]*Server, n)
	peers := make([]config.Peer, n)
	for i := range servers {
		id := "b" + string(rune('1'+i))
		servers[i] = NewServer(ServerOptions{ID: id, ListenAddr: "127.0.0.1:0", Metrics: metrics.New()})
		require.NoError(t, servers[i].Listen())
		peers[i] = config.Peer{ID: id, Addr: servers[i].Addr()}
	}

	for i, s := range servers {
		others := make([]config.Peer, 0, n-1)
		for j, p := range peers {
			if j != i {
				others = append(others, p)
			}
		}
		s.SetPeers(others)

		go func(s *Server) {
			_ = s.Serve()
		}(s)
		t.Cleanup(s.Stop)
	}

	return servers, peers
}

func newClient(t *testing.T, brokers ...config.Peer) *Client {
	t.Helper()
	c, err := NewClient(brokers, ClientOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (in *inbox) handle(channel string, payload []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, channel+"|"+string(payload))
}

func (in *inbox) snapshot() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.msgs...)
}

func TestBroker_SingleBrokerRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, peers := startBrokers(t, 1)
	c := newClient(t, peers[0])

	ch := bus.ChannelsFor("", "")
	got := &inbox{}
	sub, err := c.Subscribe(ctx, ch.Request, got.handle)
	require.NoError(t, err)

	n, err := c.NumSub(ctx, ch.Request)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "subscriber counted as soon as Subscribe returns")

	n, err = c.NumSub(ctx, ch.Response)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, c.Publish(ctx, ch.Request, []byte(p)))
	}
	require.NoError(t, c.Publish(ctx, ch.Response, []byte("ignored")))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		ch.Request + "|one",
		ch.Request + "|two",
		ch.Request + "|three",
	}, got.snapshot())

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		n, err := c.NumSub(ctx, ch.Request)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_ClusterForwardsOnceAndCountsAll(t *testing.T) {
	ctx := context.Background()
	_, peers := startBrokers(t, 2)

	a := newClient(t, peers[0], peers[1])
	b := newClient(t, peers[1], peers[0])

	ch := bus.ChannelsFor("", "/cluster")
	gotA, gotB := &inbox{}, &inbox{}
	_, err := a.Subscribe(ctx, ch.Request, gotA.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, ch.Request, gotB.handle)
	require.NoError(t, err)

	for _, c := range []*Client{a, b} {
		n, err := c.NumSub(ctx, ch.Request)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	require.NoError(t, a.Publish(ctx, ch.Request, []byte("from-a")))
	require.NoError(t, b.Publish(ctx, ch.Request, []byte("from-b")))

	require.Eventually(t, func() bool {
		return len(gotA.snapshot()) == 2 && len(gotB.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// No forwarding loops
	assert.Never(t, func() bool {
		return len(gotA.snapshot()) > 2 || len(gotB.snapshot()) > 2
	}, 200*time.Millisecond, 20*time.Millisecond)
	assert.ElementsMatch(t, gotA.snapshot(), gotB.snapshot())
}

func TestBroker_NumSubFailsWhenMemberDown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	servers, peers := startBrokers(t, 2)
	c := newClient(t, peers[0], peers[1])

	servers[1].Stop()

	_, err := c.NumSub(ctx, "shardcast-request#/#")
	assert.Error(t, err)
}

func TestBroker_InvalidArgument(t *testing.T) {
	ctx := context.Background()
	_, peers := startBrokers(t, 1)

	cm := NewClientManager()
	defer cm.Close()
	raw, err := cm.GetClient(peers[0].Addr)
	require.NoError(t, err)

	_, err = raw.Publish(ctx, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bad := encodeMessage("ch", nil)
	bad.Fields[fieldPayload] = structpb.NewStringValue("%%%")
	_, err = raw.Publish(ctx, bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = raw.NumSub(ctx, wrapperspb.String(""))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	stream, err := raw.Subscribe(ctx, wrapperspb.String(""))
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestBroker_StreamEndReported(t *testing.T) {
	ctx := context.Background()
	servers, peers := startBrokers(t, 1)

	errs := make(chan error, 1)
	c, err := NewClient(peers, ClientOptions{OnError: func(err error) {
		select {
		case errs <- err:
		default:
		}
	}})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Subscribe(ctx, "shardcast", func(string, []byte) {})
	require.NoError(t, err)

	servers[0].Stop()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream end was not reported")
	}
}

func TestClient_Closed(t *testing.T) {
	ctx := context.Background()
	_, peers := startBrokers(t, 1)

	c, err := NewClient(peers, ClientOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Publish(ctx, "ch", nil), bus.ErrClosed)
	_, err = c.Subscribe(ctx, "ch", func(string, []byte) {})
	assert.ErrorIs(t, err, bus.ErrClosed)
	_, err = c.NumSub(ctx, "ch")
	assert.ErrorIs(t, err, bus.ErrClosed)

	_, err = NewClient(nil, ClientOptions{})
	assert.Error(t, err)
}

func TestMessage_RoundTrip(t *testing.T) {
	payload := []byte{0xff, 0x00, 'x'}
	channel, got, err := decodeMessage(encodeMessage("shardcast-response#/#", payload))
	require.NoError(t, err)
	assert.Equal(t, "shardcast-response#/#", channel)
	assert.Equal(t, payload, got)

	assert.True(t, isAck(ackMessage()))
	assert.False(t, isAck(encodeMessage("c", nil)))
}
