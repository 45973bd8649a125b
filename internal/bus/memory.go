package bus

import (
	"context"
	"strings"
	"sync"
)

type message struct {
	channel string
	payload []byte
}

// Memory is an in-process Bus. Each subscription gets its own delivery
// goroutine and an unbounded queue, so publishers never block on slow
// handlers and a handler may publish without deadlocking.
type Memory struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[uint64]*memorySub),
	}
}

// Publish enqueues payload for every matching subscription.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	for _, sub := range m.subs {
		if strings.HasPrefix(channel, sub.prefix) {
			// Each subscriber gets its own copy
			sub.push(message{channel: channel, payload: append([]byte(nil), payload...)})
		}
	}
	return nil
}

// Subscribe registers h for channels starting with prefix.
func (m *Memory) Subscribe(ctx context.Context, prefix string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	sub := &memorySub{
		id:      m.nextID,
		prefix:  prefix,
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		bus:     m,
	}
	m.subs[sub.id] = sub
	go sub.run()
	return sub, nil
}

// NumSub counts subscriptions whose prefix matches channel.
func (m *Memory) NumSub(ctx context.Context, channel string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, sub := range m.subs {
		if strings.HasPrefix(channel, sub.prefix) {
			count++
		}
	}
	return count, nil
}

// Subscribers returns the total number of active subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close stops every subscription. Later operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[uint64]*memorySub)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *Memory) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

type memorySub struct {
	id      uint64
	prefix  string
	handler Handler
	bus     *Memory

	mu      sync.Mutex
	queue   []message
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func (s *memorySub) push(msg message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, msg := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.handler(msg.channel, msg.payload)
			}
		}
	}
}

func (s *memorySub) stop() {
	s.stopped.Do(func() {
		close(s.done)
	})
}

// Close removes the subscription from its bus and stops delivery.
func (s *memorySub) Close() error {
	s.bus.remove(s.id)
	s.stop()
	return nil
}
