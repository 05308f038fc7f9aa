package sys

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// endpoint is a registered mailbox.
type endpoint struct {
	name      string
	mailbox   chan *Message
	broadcast bool

	mu     sync.RWMutex
	closed bool
}

// offer enqueues m without blocking.
func (e *endpoint) offer(m *Message) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.mailbox <- m:
		return true
	default:
		return false
	}
}

func (e *endpoint) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Bus routes messages to registered mailboxes. The registry and the
// channel subscriptions change only when services start or stop.
type Bus struct {
	log     *slog.Logger
	metrics *Metrics
	nextID  atomic.Uint64

	mu          sync.RWMutex
	endpoints   map[string]*endpoint
	subscribers map[Channel][]string
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the bus logger.
func WithBusLogger(log *slog.Logger) BusOption {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics records bus and service activity in m.
func WithMetrics(m *Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		log:         slog.Default(),
		endpoints:   make(map[string]*endpoint),
		subscribers: make(map[Channel][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "bus")
	return b
}

func (b *Bus) register(name string, size int, broadcast bool) (*endpoint, error) {
	if name == "" || name == UnknownSender {
		return nil, fmt.Errorf("invalid service name %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	ep := &endpoint{
		name:      name,
		mailbox:   make(chan *Message, max(size, 1)),
		broadcast: broadcast,
	}
	b.endpoints[name] = ep
	return ep, nil
}

// unregister removes name and all of its subscriptions. Messages already
// queued stay in the mailbox but nothing new is accepted.
func (b *Bus) unregister(name string) {
	b.mu.Lock()
	ep := b.endpoints[name]
	delete(b.endpoints, name)
	for ch, subs := range b.subscribers {
		b.subscribers[ch] = slices.DeleteFunc(subs, func(s string) bool { return s == name })
	}
	b.mu.Unlock()
	if ep != nil {
		ep.close()
	}
}

// Lookup reports whether name is registered.
func (b *Bus) Lookup(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.endpoints[name]
	return ok
}

// Services returns the registered names in sorted order.
func (b *Bus) Services() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.endpoints))
	for name := range b.endpoints {
		names = append(names, name)
	}
	b.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Subscribe adds service to the subscriber list of ch.
func (b *Bus) Subscribe(service string, ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.subscribers[ch], service) {
		b.subscribers[ch] = append(b.subscribers[ch], service)
	}
}

// Unsubscribe removes service from the subscriber list of ch.
func (b *Bus) Unsubscribe(service string, ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ch] = slices.DeleteFunc(b.subscribers[ch], func(s string) bool { return s == service })
}

// Subscribers returns the services subscribed to ch.
func (b *Bus) Subscribers(ch Channel) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.subscribers[ch])
}

func (b *Bus) stamp(m *Message, t Transmission) {
	if m.ID == 0 {
		m.ID = b.nextID.Add(1)
	}
	if m.TraceID == uuid.Nil {
		m.TraceID = uuid.New()
	}
	m.Transmission = t
	m.SentAt = time.Now()
}

// SendUnicast queues msg in target's mailbox. It never blocks: false is
// returned, and no mailbox changes, when target is unknown, closed or
// full. A message missing its sender panics with *ContractViolation.
func (b *Bus) SendUnicast(msg *Message, target string) bool {
	msg.Target = target
	b.stamp(msg, Unicast)
	ValidateUnicast(msg)

	b.mu.RLock()
	ep := b.endpoints[target]
	b.mu.RUnlock()
	if ep == nil {
		b.metrics.recordDropped("unknown_target")
		b.log.Debug("unicast to unknown service", "target", target, "msg", msg)
		return false
	}
	if !ep.offer(msg) {
		b.metrics.recordDropped("mailbox_full")
		b.log.Warn("mailbox refused message", "target", target, "msg", msg)
		return false
	}
	b.metrics.recordSent(Unicast)
	return true
}

// SendMulticast delivers msg to every subscriber of ch except the sender
// and returns how many mailboxes accepted it.
func (b *Bus) SendMulticast(msg *Message, ch Channel) int {
	msg.Channel = ch
	b.stamp(msg, Multicast)
	ValidateMulticast(msg)

	b.mu.RLock()
	targets := make([]*endpoint, 0, len(b.subscribers[ch]))
	for _, name := range b.subscribers[ch] {
		if ep := b.endpoints[name]; ep != nil && name != msg.Sender {
			targets = append(targets, ep)
		}
	}
	b.mu.RUnlock()
	return b.deliver(msg, targets)
}

// SendBroadcast delivers msg to every registered service except the
// sender and returns how many mailboxes accepted it.
func (b *Bus) SendBroadcast(msg *Message) int {
	b.stamp(msg, Broadcast)
	ValidateBroadcast(msg)

	b.mu.RLock()
	targets := make([]*endpoint, 0, len(b.endpoints))
	for name, ep := range b.endpoints {
		if ep.broadcast && name != msg.Sender {
			targets = append(targets, ep)
		}
	}
	b.mu.RUnlock()
	return b.deliver(msg, targets)
}

func (b *Bus) deliver(msg *Message, targets []*endpoint) int {
	delivered := 0
	for _, ep := range targets {
		if ep.offer(msg) {
			delivered++
			continue
		}
		b.metrics.recordDropped("mailbox_full")
		b.log.Warn("mailbox refused message", "target", ep.name, "msg", msg)
	}
	if delivered > 0 {
		b.metrics.recordSent(msg.Transmission)
	}
	return delivered
}

// SendResponse answers request with resp, correlated by the request id.
// The responder is the request's target.
func (b *Bus) SendResponse(resp *ResponseMessage, request *Message) bool {
	msg := &Message{
		CorrelationID: request.ID,
		Sender:        request.Target,
		Kind:          KindResponse,
		TraceID:       request.TraceID,
		Payload:       resp,
	}
	return b.SendUnicast(msg, request.Sender)
}
