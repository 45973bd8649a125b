package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"shardcast/internal/bus"
	"shardcast/internal/config"
)

// ErrStreamEnded is reported when a broker ends a subscription the client did not close.
var ErrStreamEnded = errors.New("subscription stream ended by broker")

// ClientManager caches one gRPC connection per broker address.
type ClientManager struct {
	mu      sync.RWMutex
	conns   map[string]*grpc.ClientConn
	clients map[string]BusClient
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		conns:   make(map[string]*grpc.ClientConn),
		clients: make(map[string]BusClient),
	}
}

// GetClient returns a bus client for the given broker address.
// Creates a new connection if one doesn't exist.
func (cm *ClientManager) GetClient(addr string) (BusClient, error) {
	cm.mu.RLock()
	client, exists := cm.clients[addr]
	cm.mu.RUnlock()

	if exists {
		return client, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cm.clients[addr]; exists {
		return client, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	client = NewBusClient(conn)
	cm.conns[addr] = conn
	cm.clients[addr] = client
	return client, nil
}

// Close closes all client connections.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var errs []error
	for addr, conn := range cm.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	cm.conns = make(map[string]*grpc.ClientConn)
	cm.clients = make(map[string]BusClient)
	return errors.Join(errs...)
}

// Client is a bus.Bus backed by a broker cluster. Publishes and
// subscriptions go to the home broker (the first one listed); subscriber
// counts are summed across every broker.
type Client struct {
	home      config.Peer
	members   []config.Peer
	clientMgr *ClientManager
	logger    *slog.Logger

	// onError observes stream failures after Subscribe has returned.
	onError func(error)

	mu     sync.Mutex
	subs   map[*clientSub]struct{}
	closed bool
}

var _ bus.Bus = (*Client)(nil)

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger  *slog.Logger
	OnError func(error)
}

// NewClient creates a client for the given brokers. The first is home.
func NewClient(brokers []config.Peer, opts ClientOptions) (*Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		home:      brokers[0],
		members:   append([]config.Peer(nil), brokers...),
		clientMgr: NewClientManager(),
		logger:    logger.With("broker", brokers[0].ID),
		onError:   opts.OnError,
		subs:      make(map[*clientSub]struct{}),
	}
	if c.onError == nil {
		c.onError = func(err error) {
			c.logger.Error("Bus stream error", "error", err)
		}
	}
	return c, nil
}

func (c *Client) homeClient() (BusClient, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, bus.ErrClosed
	}
	return c.clientMgr.GetClient(c.home.Addr)
}

// Publish sends payload through the home broker.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	client, err := c.homeClient()
	if err != nil {
		return err
	}
	if _, err := client.Publish(ctx, encodeMessage(channel, payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", c.home.ID, err)
	}
	return nil
}

// Subscribe opens a stream on the home broker and returns once the broker
// has acknowledged it, so the subscription is already counted.
func (c *Client) Subscribe(ctx context.Context, prefix string, h bus.Handler) (bus.Subscription, error) {
	client, err := c.homeClient()
	if err != nil {
		return nil, err
	}

	// The stream outlives ctx; ctx only bounds the handshake
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopHandshake := context.AfterFunc(ctx, cancel)

	stream, err := client.Subscribe(streamCtx, wrapperspb.String(prefix))
	if err != nil {
		stopHandshake()
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", c.home.ID, err)
	}

	first, err := stream.Recv()
	if !stopHandshake() {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", c.home.ID, ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", c.home.ID, err)
	}
	if !isAck(first) {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w: missing acknowledgement", c.home.ID, ErrBadMessage)
	}

	sub := &clientSub{
		client: c,
		ctx:    streamCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, bus.ErrClosed
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.run(stream, prefix, h)
	return sub, nil
}

// NumSub returns the number of subscribers for channel across the cluster.
// Any unreachable broker fails the count, since a partial sum would
// understate the expected responders.
func (c *Client) NumSub(ctx context.Context, channel string) (int, error) {
	if _, err := c.homeClient(); err != nil {
		return 0, err
	}

	var (
		mu    sync.Mutex
		total int64
		errs  []error
		wg    sync.WaitGroup
	)

	for _, member := range c.members {
		wg.Add(1)
		go func(m config.Peer) {
			defer wg.Done()

			client, err := c.clientMgr.GetClient(m.Addr)
			var n *wrapperspb.Int64Value
			if err == nil {
				n, err = client.NumSub(ctx, wrapperspb.String(channel))
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("broker %s: %w", m.ID, err))
				return
			}
			total += n.GetValue()
		}(member)
	}
	wg.Wait()

	if len(errs) > 0 {
		return 0, fmt.Errorf("count subscribers on %s: %w", channel, errors.Join(errs...))
	}
	return int(total), nil
}

// Close ends every subscription and closes all connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*clientSub, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return c.clientMgr.Close()
}

func (c *Client) remove(sub *clientSub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

type clientSub struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *clientSub) run(stream grpc.ServerStreamingClient[structpb.Struct], prefix string, h bus.Handler) {
	defer close(s.done)
	defer s.client.remove(s)

	for {
		msg, err := stream.Recv()
		if err != nil {
			if s.ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			s.client.onError(fmt.Errorf("subscription %s: %w", prefix, err))
			return
		}

		channel, payload, err := decodeMessage(msg)
		if err != nil {
			s.client.onError(fmt.Errorf("subscription %s: %w", prefix, err))
			continue
		}
		h(channel, payload)
	}
}

// Close cancels the stream and waits for the delivery goroutine to exit.
func (s *clientSub) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
