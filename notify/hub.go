package notify

import (
	"context"
	"sync"

	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/types"
)

const (
	// DefaultBacklogSize bounds events kept for a process that is not subscribed.
	DefaultBacklogSize = 64

	// DefaultMaxPending bounds events queued for a slow subscriber.
	DefaultMaxPending = 1024
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBacklogSize sets how many events are kept for an unsubscribed process.
func WithBacklogSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.backlogSize = n
		}
	}
}

// WithMaxPending sets how many events may queue for a slow subscriber before
// the oldest are dropped.
func WithMaxPending(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxPending = n
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(l logger.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// Hub is an in-process Channel. Each subscriber gets its own delivery
// goroutine, so a slow handler never blocks Publish or other subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[types.ProcessID]*subscriber
	backlog map[types.ProcessID][]types.Event
	closed  bool

	backlogSize int
	maxPending  int
	logger      logger.Logger
	wg          sync.WaitGroup
}

var _ Channel = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:        make(map[types.ProcessID]*subscriber),
		backlog:     make(map[types.ProcessID][]types.Event),
		backlogSize: DefaultBacklogSize,
		maxPending:  DefaultMaxPending,
		logger:      logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("hub")
	return h
}

func (h *Hub) Publish(ctx context.Context, process types.ProcessID, event types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if process == "" {
		return ErrInvalidProcess
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if sub, ok := h.subs[process]; ok {
		if dropped := sub.enqueue(event, h.maxPending); dropped > 0 {
			h.logger.Warnw("Subscriber too slow, dropped oldest events", "process", process, "dropped", dropped)
		}
		return nil
	}

	queue := append(h.backlog[process], event)
	if over := len(queue) - h.backlogSize; over > 0 {
		h.logger.Warnw("Backlog full, dropped oldest events", "process", process, "dropped", over)
		queue = queue[over:]
	}
	h.backlog[process] = queue
	return nil
}

func (h *Hub) Subscribe(process types.ProcessID, handler Handler) error {
	if process == "" || handler == nil {
		return ErrInvalidProcess
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if _, ok := h.subs[process]; ok {
		return ErrAlreadySubscribed
	}

	sub := newSubscriber(process, handler)
	sub.pending = h.backlog[process]
	delete(h.backlog, process)
	h.subs[process] = sub
	if len(sub.pending) > 0 {
		sub.wake()
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sub.run()
	}()

	h.logger.Debugw("Subscribed", "process", process, "backlog", len(sub.pending))
	return nil
}

func (h *Hub) Unsubscribe(process types.ProcessID) error {
	h.mu.Lock()
	sub, ok := h.subs[process]
	if ok {
		delete(h.subs, process)
	}
	h.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}

	undelivered := sub.stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(undelivered) > 0 && !h.closed {
		queue := append(undelivered, h.backlog[process]...)
		if over := len(queue) - h.backlogSize; over > 0 {
			queue = queue[over:]
		}
		h.backlog[process] = queue
	}
	h.logger.Debugw("Unsubscribed", "process", process, "requeued", len(undelivered))
	return nil
}

// Subscribed reports whether process currently has a subscription.
func (h *Hub) Subscribed(process types.ProcessID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[process]
	return ok
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[types.ProcessID]*subscriber)
	h.backlog = make(map[types.ProcessID][]types.Event)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	h.wg.Wait()
	return nil
}

// subscriber owns the ordered delivery goroutine of one process.
type subscriber struct {
	process types.ProcessID
	handler Handler

	mu      sync.Mutex
	pending []types.Event
	signal  chan struct{}
	done    chan struct{}
	exited  chan struct{}
}

func newSubscriber(process types.ProcessID, handler Handler) *subscriber {
	return &subscriber{
		process: process,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// enqueue appends an event and returns how many old events were dropped.
func (s *subscriber) enqueue(ev types.Event, max int) int {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	dropped := 0
	if over := len(s.pending) - max; over > 0 {
		s.pending = s.pending[over:]
		dropped = over
	}
	s.mu.Unlock()
	s.wake()
	return dropped
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			s.handler(ev)

			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

// stop ends delivery and returns the events that were never handed over.
func (s *subscriber) stop() []types.Event {
	close(s.done)
	<-s.exited

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}
