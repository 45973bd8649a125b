package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"shardcast/internal/bus"
	"shardcast/internal/config"
	"shardcast/internal/metrics"
)

const (
	// Metadata key for forwarded publishes
	forwardedMetadataKey = "x-forwarded"
	forwardedValue       = "true"

	// DefaultForwardTimeout bounds each peer forward.
	DefaultForwardTimeout = 2 * time.Second
)

// Broker message directions recorded in metrics.
const (
	DirectionPublished = "published"
	DirectionForwarded = "forwarded"
	DirectionDelivered = "delivered"
)

// ServerOptions configures a broker Server.
type ServerOptions struct {
	ID         string
	ListenAddr string
	Peers      []config.Peer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Server is one broker. It delivers to its own subscribers and forwards
// client publishes to every peer broker once.
type Server struct {
	id         string
	listenAddr string
	peers      []config.Peer
	hub        *bus.Memory
	clientMgr  *ClientManager
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	grpcServer *grpc.Server
	lis        net.Listener
	quit       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a broker server instance.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		id:         opts.ID,
		listenAddr: opts.ListenAddr,
		peers:      opts.Peers,
		hub:        bus.NewMemory(),
		clientMgr:  NewClientManager(),
		logger:     logger.With("broker_id", opts.ID),
		metrics:    opts.Metrics,
		quit:       make(chan struct{}),
	}
}

// Listen binds the listen address and registers the bus service.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	grpcServer := grpc.NewServer()
	RegisterBusServer(grpcServer, s)

	// Enable gRPC reflection for grpcurl
	reflection.Register(grpcServer)

	s.mu.Lock()
	s.lis = lis
	s.grpcServer = grpcServer
	s.mu.Unlock()
	return nil
}

// Serve blocks serving the listener bound by Listen.
func (s *Server) Serve() error {
	s.mu.Lock()
	lis, grpcServer := s.lis, s.grpcServer
	s.mu.Unlock()
	if grpcServer == nil {
		return errors.New("broker is not listening")
	}

	s.logger.Info("Starting broker", "addr", lis.Addr().String(), "peers", len(s.peers))

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.listenAddr
}

// SetPeers replaces the forwarding targets.
func (s *Server) SetPeers(peers []config.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]config.Peer(nil), peers...)
}

func (s *Server) peerList() []config.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

// Stop ends every subscription stream and gracefully stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		grpcServer := s.grpcServer
		s.mu.Unlock()

		if grpcServer != nil {
			s.logger.Info("Stopping broker")
			grpcServer.GracefulStop()
		}
		_ = s.hub.Close()
		_ = s.clientMgr.Close()
	})
}

// Publish delivers to local subscribers, then forwards to peers unless the
// message was itself forwarded.
func (s *Server) Publish(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	channel, payload, err := decodeMessage(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.hub.Publish(ctx, channel, payload); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	s.metrics.RecordBrokerMessage(DirectionPublished)

	if !isForwarded(ctx) {
		s.forward(ctx, in)
	}
	return &emptypb.Empty{}, nil
}

// forward sends in to every peer and waits, so a publisher's messages reach
// remote subscribers in publish order.
func (s *Server) forward(ctx context.Context, in *structpb.Struct) {
	peers := s.peerList()
	if len(peers) == 0 {
		return
	}

	fwdCtx, cancel := context.WithTimeout(ctx, DefaultForwardTimeout)
	defer cancel()
	fwdCtx = metadata.AppendToOutgoingContext(fwdCtx, forwardedMetadataKey, forwardedValue)

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p config.Peer) {
			defer wg.Done()

			client, err := s.clientMgr.GetClient(p.Addr)
			if err == nil {
				_, err = client.Publish(fwdCtx, in)
			}
			if err != nil {
				s.logger.Warn("Failed to forward publish", "peer", p.ID, "addr", p.Addr, "error", err)
				return
			}
			s.metrics.RecordBrokerMessage(DirectionForwarded)
		}(peer)
	}
	wg.Wait()
}

// Subscribe streams every message on channels matching the prefix. The first
// message is an acknowledgement sent once the subscription is registered.
func (s *Server) Subscribe(in *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	prefix := in.GetValue()
	if prefix == "" {
		return status.Error(codes.InvalidArgument, "prefix is required")
	}

	ctx := stream.Context()

	// sendMu serializes Send and keeps deliveries behind the ack
	var (
		sendMu sync.Mutex
		ended  bool
	)

	sendMu.Lock()
	sub, err := s.hub.Subscribe(ctx, prefix, func(channel string, payload []byte) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if ended {
			return
		}
		if err := stream.Send(encodeMessage(channel, payload)); err != nil {
			s.logger.Debug("Failed to deliver message", "channel", channel, "error", err)
			return
		}
		s.metrics.RecordBrokerMessage(DirectionDelivered)
	})
	if err != nil {
		sendMu.Unlock()
		return status.Error(codes.Unavailable, err.Error())
	}
	err = stream.Send(ackMessage())
	sendMu.Unlock()

	defer func() {
		_ = sub.Close()
		sendMu.Lock()
		ended = true
		sendMu.Unlock()
		s.metrics.SetBrokerSubscribers(s.hub.Subscribers())
	}()

	if err != nil {
		return err
	}

	s.metrics.SetBrokerSubscribers(s.hub.Subscribers())
	s.logger.Debug("Subscriber attached", "prefix", prefix)

	select {
	case <-ctx.Done():
	case <-s.quit:
	}
	return nil
}

// NumSub returns the number of local subscribers for a channel.
func (s *Server) NumSub(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	channel := in.GetValue()
	if channel == "" {
		return nil, status.Error(codes.InvalidArgument, "channel is required")
	}

	n, err := s.hub.NumSub(ctx, channel)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return wrapperspb.Int64(int64(n)), nil
}

// isForwarded checks if the publish was forwarded from another broker.
func isForwarded(ctx context.Context) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	values := md.Get(forwardedMetadataKey)
	return len(values) > 0 && values[0] == forwardedValue
}
