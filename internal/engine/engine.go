package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shardcast/internal/bus"
	"shardcast/internal/envelope"
	"shardcast/internal/metrics"
	"shardcast/internal/operator"
	"shardcast/internal/pending"
)

const (
	// DefaultRequestTimeout bounds how long a send waits for its responses.
	DefaultRequestTimeout = 5 * time.Second

	tracerName = "shardcast/engine"
)

// Options configures an Engine.
type Options struct {
	NodeID         string
	Channels       bus.Channels
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	// OnError observes non-fatal errors: malformed messages, rejected
	// registrations and transport failures. Defaults to logging them.
	OnError func(error)
}

// Engine correlates scatter/gather requests and responses for one namespace.
type Engine struct {
	bus      bus.Bus
	nodeID   string
	channels bus.Channels
	registry *operator.Registry
	table    *pending.Table
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onError  func(error)
	tracer   trace.Tracer
	timeout  atomic.Int64

	// ctx lives until Close; it carries responses published from request handlers.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    []bus.Subscription
	started bool
	closed  bool
}

// New creates an engine on b. Call Start to begin receiving.
func New(b bus.Bus, opts Options) *Engine {
	if opts.Channels == (bus.Channels{}) {
		opts.Channels = bus.ChannelsFor(bus.DefaultPrefix, bus.DefaultNamespace)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", opts.NodeID)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		bus:      b,
		nodeID:   opts.NodeID,
		channels: opts.Channels,
		registry: operator.NewRegistry(),
		table:    pending.NewTable(),
		logger:   logger,
		metrics:  opts.Metrics,
		onError:  opts.OnError,
		tracer:   otel.Tracer(tracerName),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.timeout.Store(int64(opts.RequestTimeout))

	if e.onError == nil {
		e.onError = func(err error) {
			e.logger.Error("Engine error", "error", err)
		}
	}

	return e
}

// Start subscribes to the request and response channels.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}

	reqSub, err := e.bus.Subscribe(ctx, e.channels.Request, e.handleRequest)
	if err != nil {
		err = fmt.Errorf("failed to subscribe to %s: %w", e.channels.Request, err)
		e.report(KindTransport, err)
		return err
	}

	respSub, err := e.bus.Subscribe(ctx, e.channels.Response, e.handleResponse)
	if err != nil {
		_ = reqSub.Close()
		err = fmt.Errorf("failed to subscribe to %s: %w", e.channels.Response, err)
		e.report(KindTransport, err)
		return err
	}

	e.subs = []bus.Subscription{reqSub, respSub}
	e.started = true

	e.logger.Info("Engine started",
		"request_channel", e.channels.Request,
		"response_channel", e.channels.Response,
		"operators", e.registry.Tags(),
	)
	return nil
}

// Close unsubscribes, cancels every pending deadline and rejects every
// in-flight request with ErrClosed. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	e.cancel()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	rejected := 0
	for _, entry := range e.table.Drain() {
		if entry.Finish() {
			entry.Future().Reject(ErrClosed)
			e.metrics.RecordFinished(entry.Type(), metrics.OutcomeClosed, time.Since(entry.Created()))
			rejected++
		}
	}

	e.logger.Info("Engine stopped", "rejected_pending", rejected)
	return errors.Join(errs...)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Register adds op under tag. Duplicate tags are reported and rejected;
// the first registration stays in place.
func (e *Engine) Register(tag string, op operator.Operator) error {
	if err := e.registry.Register(tag, op); err != nil {
		e.report(KindRegistration, err)
		return err
	}
	e.logger.Debug("Operator registered", "type", tag)
	return nil
}

// Operator returns the operator registered under tag, or nil.
func (e *Engine) Operator(tag string) operator.Operator {
	return e.registry.Get(tag)
}

// Registry exposes the operator registry.
func (e *Engine) Registry() *operator.Registry {
	return e.registry
}

// NodeID returns the id this engine logs under.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// Channels returns the channels this engine uses.
func (e *Engine) Channels() bus.Channels {
	return e.channels
}

// Pending returns the number of in-flight requests originated here.
func (e *Engine) Pending() int {
	return e.table.Len()
}

// RequestTimeout returns the deadline applied to new requests.
func (e *Engine) RequestTimeout() time.Duration {
	return time.Duration(e.timeout.Load())
}

// SetRequestTimeout changes the deadline for requests sent from now on.
func (e *Engine) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRequestTimeout
	}
	e.timeout.Store(int64(d))
}

// Request builds a request from args through the operator registered under
// tag, sends it and waits for the aggregated result.
func (e *Engine) Request(ctx context.Context, tag string, args any) (any, error) {
	op, ok := e.registry.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, tag)
	}

	fields, state, err := op.BuildRequest(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", tag, err)
	}

	fut, err := e.Send(ctx, tag, fields, state)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Send broadcasts a request of type tag and returns its future. state is
// stored with the pending request for the fold hooks and never sent.
func (e *Engine) Send(ctx context.Context, tag string, fields, state any) (*pending.Future, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if _, ok := e.registry.Lookup(tag); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, tag)
	}

	id := uuid.NewString()
	env, err := envelope.New(id, tag, fields)
	if err != nil {
		return nil, err
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "engine.Send", trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("request.type", tag),
	))
	defer span.End()

	// Count before publishing so subscribers that see the request are counted
	expected, err := e.bus.NumSub(ctx, e.channels.Request)
	if err != nil {
		err = fmt.Errorf("failed to count subscribers on %s: %w", e.channels.Request, err)
		e.report(KindTransport, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("request.expected", expected))

	entry := pending.NewEntry(operator.Call{
		ID:       id,
		Type:     tag,
		Payload:  env.Payload,
		State:    state,
		Expected: expected,
	})
	if err := e.insert(entry); err != nil {
		return nil, err
	}

	if err := e.bus.Publish(ctx, e.channels.Request, data); err != nil {
		won := entry.Finish()
		if !won && e.isClosed() {
			// Close already rejected the entry
			return nil, ErrClosed
		}
		err = fmt.Errorf("failed to publish request %s: %w", id, err)
		if won {
			e.table.Remove(entry)
			entry.Future().Reject(err)
			e.metrics.RecordFinished(tag, metrics.OutcomeError, time.Since(entry.Created()))
		}
		e.report(KindTransport, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.logger.Debug("Request sent", "request_id", id, "type", tag, "expected", expected)
	return entry.Future(), nil
}

// insert adds entry to the table and arms its deadline. It holds the same
// lock as Close, so an entry is either drained by Close or never inserted.
func (e *Engine) insert(entry *pending.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if err := e.table.Insert(entry); err != nil {
		return err
	}

	timeout := e.RequestTimeout()
	entry.Arm(timeout, func() { e.expire(entry, timeout) })
	_, expected := entry.Counts()
	e.metrics.RecordSent(entry.Type(), expected)
	return nil
}

// expire is the deadline path. It loses to a completion that got there first.
func (e *Engine) expire(entry *pending.Entry, after time.Duration) {
	if !entry.Finish() {
		return
	}
	e.table.Remove(entry)

	received, expected := entry.Counts()
	entry.Future().Reject(&TimeoutError{
		RequestID: entry.ID(),
		Type:      entry.Type(),
		Received:  received,
		Expected:  expected,
		After:     after,
	})
	e.metrics.RecordFinished(entry.Type(), metrics.OutcomeTimeout, time.Since(entry.Created()))

	e.logger.Warn("Request timed out",
		"request_id", entry.ID(),
		"type", entry.Type(),
		"received", received,
		"expected", expected,
	)
}

// handleRequest runs for every message on the request channel, on every node.
func (e *Engine) handleRequest(channel string, payload []byte) {
	env, err := envelope.Decode(payload)
	if err != nil {
		e.report(KindMalformed, fmt.Errorf("request on %s: %w", channel, err))
		return
	}

	op, ok := e.registry.Lookup(env.Type)
	if !ok {
		// Another logical namespace may share the prefix
		e.logger.Debug("Ignoring request with no operator", "request_id", env.ID, "type", env.Type)
		return
	}

	var req *operator.Request
	req = operator.NewRequest(env, func(p any) error {
		return e.respond(req, p)
	})
	op.OnRequest(e.ctx, req)
}

// respond delivers one response for req, locally when this node is the
// originator and still waiting, otherwise over the response channel.
func (e *Engine) respond(req *operator.Request, payload any) error {
	if n := req.Responses(); n > 1 {
		e.logger.Warn("Respond called more than once", "request_id", req.ID, "type", req.Type, "calls", n)
	}

	resp, err := envelope.New(req.ID, req.Type, payload)
	if err != nil {
		return err
	}

	if e.table.Has(req.ID) {
		e.accept(resp, metrics.PathLocal)
		return nil
	}

	data, err := envelope.Encode(resp)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(e.ctx, e.channels.Response, data); err != nil {
		err = fmt.Errorf("failed to publish response %s: %w", req.ID, err)
		e.report(KindTransport, err)
		return err
	}
	return nil
}

// handleResponse runs for every message on the response channel, on every node.
func (e *Engine) handleResponse(channel string, payload []byte) {
	env, err := envelope.Decode(payload)
	if err != nil {
		e.report(KindMalformed, fmt.Errorf("response on %s: %w", channel, err))
		return
	}
	e.accept(env, metrics.PathBus)
}

// accept folds a response into its pending request, completing it when the
// expected count is reached.
func (e *Engine) accept(resp envelope.Envelope, path string) {
	entry, ok := e.table.Get(resp.ID)
	if !ok {
		// Someone else's request, or one that already finished
		e.logger.Debug("Dropping response for unknown request", "request_id", resp.ID, "type", resp.Type)
		return
	}

	op, ok := e.registry.Lookup(entry.Type())
	if !ok {
		return
	}

	accepted, complete := entry.Accept(resp, op.OnEachResponse)
	if !accepted {
		return
	}
	e.metrics.RecordResponse(entry.Type(), path)
	if !complete {
		return
	}

	e.table.Remove(entry)

	outcome := metrics.OutcomeSuccess
	result, err := op.OnAllResponses(entry.Call(), entry.Responses())
	if err != nil {
		outcome = metrics.OutcomeError
		entry.Future().Reject(err)
	} else {
		entry.Future().Resolve(result)
	}
	e.metrics.RecordFinished(entry.Type(), outcome, time.Since(entry.Created()))

	received, expected := entry.Counts()
	e.logger.Debug("Request completed",
		"request_id", entry.ID(),
		"type", entry.Type(),
		"received", received,
		"expected", expected,
	)
}

func (e *Engine) report(kind string, err error) {
	e.metrics.RecordError(kind)
	e.onError(err)
}
