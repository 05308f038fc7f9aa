package sys

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// State is a service lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateInit
	StateReady
	StateActive
	StateSuspended
	StateClosing
	StateFinalizingClose
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateClosing:
		return "closing"
	case StateFinalizingClose:
		return "finalizing-close"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PowerMode is a system-wide power state.
type PowerMode int

const (
	PowerActive PowerMode = iota
	PowerSuspendToRAM
	PowerSuspendToNVM
)

func (m PowerMode) String() string {
	switch m {
	case PowerActive:
		return "active"
	case PowerSuspendToRAM:
		return "suspend-to-ram"
	case PowerSuspendToNVM:
		return "suspend-to-nvm"
	default:
		return fmt.Sprintf("power(%d)", int(m))
	}
}

// ParsePowerMode is the inverse of PowerMode.String.
func ParsePowerMode(s string) (PowerMode, error) {
	for _, m := range []PowerMode{PowerActive, PowerSuspendToRAM, PowerSuspendToNVM} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown power mode %q", s)
}

// Lifecycle requests, sent as KindSystem unicast messages.
type (
	StartRequest     struct{}
	CloseRequest     struct{}
	PowerModeRequest struct{ Mode PowerMode }
)

// PowerModeChanged is multicast on ChannelPowerManagerNotifications after
// every service accepted a new mode.
type PowerModeChanged struct {
	Mode PowerMode
}

// Handler is the behaviour of a service. All methods run on the service
// goroutine and must return promptly.
type Handler interface {
	// InitHandler runs on StartRequest. A failure destroys the service.
	InitHandler(ctx context.Context) ReturnCode
	// DeinitHandler runs once when the service finalizes its close.
	DeinitHandler() ReturnCode
	// DataReceivedHandler gets every message no Connect handler claims.
	DataReceivedHandler(msg *Message) *ResponseMessage
	// SwitchPowerModeHandler may refuse a mode by returning a failure.
	SwitchPowerModeHandler(mode PowerMode) ReturnCode
}

// Closeable is implemented by handlers that sometimes cannot close yet.
// While it returns false a close request stays pending and is re-checked
// periodically.
type Closeable interface {
	Closeable() bool
}

// HandlerDefaults can be embedded to get permissive default handlers.
type HandlerDefaults struct{}

func (HandlerDefaults) InitHandler(context.Context) ReturnCode        { return ReturnSuccess }
func (HandlerDefaults) DeinitHandler() ReturnCode                     { return ReturnSuccess }
func (HandlerDefaults) DataReceivedHandler(*Message) *ResponseMessage { return MsgNotHandled() }
func (HandlerDefaults) SwitchPowerModeHandler(PowerMode) ReturnCode   { return ReturnSuccess }

const (
	DefaultMailboxSize = 32
	closePollInterval  = 100 * time.Millisecond
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPriority sets the boot priority; higher starts first among peers.
func WithPriority(p int) ServiceOption {
	return func(s *Service) { s.priority = p }
}

// WithMailboxSize bounds the mailbox.
func WithMailboxSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

type asyncCall struct {
	callback func(*ResponseMessage, error)
	timer    *Timer
}

// Service is an actor: one goroutine takes messages from its mailbox and
// runs the handler for each, one at a time. State changes only in
// response to messages.
type Service struct {
	name        string
	handler     Handler
	priority    int
	mailboxSize int
	log         *slog.Logger

	bus    *Bus
	ep     *endpoint
	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	running atomic.Bool
	done    chan struct{}

	// Owned by the service goroutine.
	handlers     map[reflect.Type]func(*Message) *ResponseMessage
	deferred     []*Message
	pending      map[uint64]*asyncCall
	closeRequest *Message
	closePoll    *Timer

	timersMu  sync.Mutex
	timers    map[uint64]*Timer
	nextTimer uint64

	destroyOnce sync.Once
}

// NewService creates an idle service. It does nothing until Run.
func NewService(name string, h Handler, opts ...ServiceOption) *Service {
	s := &Service{
		name:        name,
		handler:     h,
		mailboxSize: DefaultMailboxSize,
		log:         slog.Default(),
		done:        make(chan struct{}),
		handlers:    make(map[reflect.Type]func(*Message) *ResponseMessage),
		pending:     make(map[uint64]*asyncCall),
		timers:      make(map[uint64]*Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("service", name)
	return s
}

func (s *Service) Name() string      { return s.name }
func (s *Service) Priority() int     { return s.priority }
func (s *Service) State() State      { return State(s.state.Load()) }
func (s *Service) Bus() *Bus         { return s.bus }
func (s *Service) Log() *slog.Logger { return s.log }

// Context is cancelled when the service is destroyed.
func (s *Service) Context() context.Context { return s.ctx }

// Done is closed when the service goroutine has exited.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("state change", "from", prev, "to", st)
	}
	if s.bus != nil {
		s.bus.metrics.recordState(s.name, st)
	}
}

// Connect routes data messages whose payload has the concrete type T to
// fn instead of DataReceivedHandler. Call it before Run or from the
// service's own handlers.
func Connect[T any](s *Service, fn func(T, *Message) *ResponseMessage) {
	s.handlers[reflect.TypeFor[T]()] = func(m *Message) *ResponseMessage {
		return fn(m.Payload.(T), m)
	}
}

// Run registers the service on bus and starts its goroutine. The service
// stays idle until it receives a StartRequest. Cancelling ctx does not
// stop the service; CloseRequest does.
func (s *Service) Run(ctx context.Context, bus *Bus) error {
	if s.State() == StateDestroyed {
		return ErrServiceClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ep, err := bus.register(s.name, s.mailboxSize, true)
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.bus = bus
	s.ep = ep
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.timersMu.Lock()
	for _, t := range s.timers {
		t.mu.Lock()
		t.bus = bus
		t.mu.Unlock()
	}
	s.timersMu.Unlock()

	s.setState(StateIdle)
	go s.loop()
	return nil
}

func (s *Service) loop() {
	defer close(s.done)
	for s.State() != StateDestroyed {
		msg, ok := s.next()
		if !ok {
			return
		}
		s.process(msg)
	}
}

// next returns deferred messages first, in arrival order.
func (s *Service) next() (*Message, bool) {
	if len(s.deferred) > 0 {
		msg := s.deferred[0]
		s.deferred = s.deferred[1:]
		return msg, true
	}
	select {
	case msg := <-s.ep.mailbox:
		return msg, true
	case <-s.ctx.Done():
		return nil, false
	}
}

func (s *Service) process(msg *Message) {
	start := time.Now()
	var resp *ResponseMessage
	switch msg.Kind {
	case KindResponse:
		s.handleResponse(msg)
	case KindSystem:
		resp = s.handleSystem(msg)
	default:
		resp = s.handleData(msg)
	}
	s.bus.metrics.recordProcessed(s.name, msg.Kind, time.Since(start))

	if resp != nil && msg.Transmission == Unicast && msg.Kind != KindResponse && msg.Sender != s.name {
		s.bus.SendResponse(resp, msg)
	}
}

func (s *Service) handleData(msg *Message) *ResponseMessage {
	if fn, ok := s.handlers[reflect.TypeOf(msg.Payload)]; ok {
		return fn(msg)
	}
	return s.handler.DataReceivedHandler(msg)
}

func (s *Service) handleResponse(msg *Message) {
	call, ok := s.pending[msg.CorrelationID]
	if !ok {
		return
	}
	delete(s.pending, msg.CorrelationID)
	if call.timer != nil {
		s.RemoveTimer(call.timer)
	}
	resp, _ := msg.Payload.(*ResponseMessage)
	call.callback(resp, nil)
}

func (s *Service) handleSystem(msg *Message) *ResponseMessage {
	switch p := msg.Payload.(type) {
	case StartRequest:
		return s.handleStart()
	case PowerModeRequest:
		return s.handlePowerMode(p.Mode)
	case CloseRequest:
		return s.handleClose(msg)
	case TimerExpired:
		s.handleTimer(p)
		return nil
	default:
		return s.handleData(msg)
	}
}

func (s *Service) handleStart() *ResponseMessage {
	if st := s.State(); st != StateIdle {
		return Fail(fmt.Errorf("start requested in state %s", st))
	}
	s.setState(StateInit)
	if code := s.handler.InitHandler(s.ctx); code != ReturnSuccess {
		s.log.Error("init failed", "code", code)
		s.destroy()
		return &ResponseMessage{Code: code, Err: ErrInitFailed}
	}
	s.setState(StateReady)
	s.setState(StateActive)
	s.log.Info("service started")
	return MsgHandled()
}

func (s *Service) handlePowerMode(mode PowerMode) *ResponseMessage {
	switch st := s.State(); st {
	case StateReady, StateActive, StateSuspended:
	default:
		return Fail(fmt.Errorf("power mode %s requested in state %s", mode, st))
	}
	if code := s.handler.SwitchPowerModeHandler(mode); code != ReturnSuccess {
		return &ResponseMessage{Code: code, Err: fmt.Errorf("%w: %s", ErrPowerModeRejected, mode)}
	}
	if mode == PowerActive {
		s.setState(StateActive)
	} else {
		s.setState(StateSuspended)
	}
	return MsgHandled()
}

func (s *Service) handleClose(msg *Message) *ResponseMessage {
	switch st := s.State(); st {
	case StateClosing, StateFinalizingClose:
		return Fail(fmt.Errorf("close requested in state %s", st))
	}
	s.setState(StateClosing)
	s.closeRequest = msg
	s.tryFinalize()
	// Answered by finalize.
	return nil
}

func (s *Service) tryFinalize() {
	if c, ok := s.handler.(Closeable); ok && !c.Closeable() {
		if s.closePoll == nil {
			s.log.Info("close deferred")
			s.closePoll = s.NewTimer("close-poll", closePollInterval, Periodic, func(*Timer) {
				s.tryFinalize()
			})
			s.closePoll.Start()
		}
		return
	}
	s.finalize()
}

func (s *Service) finalize() {
	s.setState(StateFinalizingClose)
	code := s.handler.DeinitHandler()
	s.destroy()
	s.log.Info("service closed", "code", code)
	if req := s.closeRequest; req != nil && req.Transmission == Unicast && req.Sender != s.name {
		s.bus.SendResponse(&ResponseMessage{Code: code}, req)
	}
}

// destroy detaches timers, leaves the bus and stops the goroutine. It is
// safe to call from any goroutine.
func (s *Service) destroy() {
	s.destroyOnce.Do(func() {
		s.timersMu.Lock()
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
		s.timersMu.Unlock()

		if s.bus != nil {
			s.bus.unregister(s.name)
		}
		s.setState(StateDestroyed)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// kill destroys the service without running DeinitHandler.
func (s *Service) kill() {
	s.log.Warn("service killed", "state", s.State())
	s.destroy()
}

func (s *Service) handleTimer(p TimerExpired) {
	s.timersMu.Lock()
	t := s.timers[p.TimerID]
	s.timersMu.Unlock()
	if t == nil || !t.expire(p.Generation) {
		return
	}
	s.bus.metrics.recordTimer(s.name)
	t.callback(t)
}

// NewTimer creates a stopped timer owned by s. Its callback runs on the
// service goroutine.
func (s *Service) NewTimer(name string, interval time.Duration, typ TimerType, callback func(*Timer)) *Timer {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.nextTimer++
	t := &Timer{
		id:       s.nextTimer,
		name:     name,
		owner:    s.name,
		bus:      s.bus,
		callback: callback,
		interval: interval,
		typ:      typ,
	}
	s.timers[t.id] = t
	return t
}

// RemoveTimer stops t and detaches it from the service.
func (s *Service) RemoveTimer(t *Timer) {
	t.Stop()
	s.timersMu.Lock()
	delete(s.timers, t.id)
	s.timersMu.Unlock()
}

func (s *Service) message(kind Kind, payload any) *Message {
	return &Message{Sender: s.name, Kind: kind, Payload: payload}
}

// SendUnicast sends payload as a data message to target without waiting.
func (s *Service) SendUnicast(payload any, target string) bool {
	return s.bus.SendUnicast(s.message(KindData, payload), target)
}

// SendMulticast publishes payload to the subscribers of ch.
func (s *Service) SendMulticast(payload any, ch Channel) int {
	return s.bus.SendMulticast(s.message(KindData, payload), ch)
}

// SendBroadcast publishes payload to every other service.
func (s *Service) SendBroadcast(payload any) int {
	return s.bus.SendBroadcast(s.message(KindData, payload))
}

func (s *Service) Subscribe(ch Channel)   { s.bus.Subscribe(s.name, ch) }
func (s *Service) Unsubscribe(ch Channel) { s.bus.Unsubscribe(s.name, ch) }

// SendUnicastSync sends payload to target and waits for the correlated
// response. Messages arriving meanwhile are kept and processed after the
// call returns, in arrival order. It must run on the service goroutine.
func (s *Service) SendUnicastSync(payload any, target string, timeout time.Duration) (*ResponseMessage, error) {
	if target == s.name {
		return nil, fmt.Errorf("synchronous call to self: %s", target)
	}
	msg := s.message(KindData, payload)
	if !s.bus.SendUnicast(msg, target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, target)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case m := <-s.ep.mailbox:
			if m.Kind == KindResponse && m.CorrelationID == msg.ID {
				resp, _ := m.Payload.(*ResponseMessage)
				return resp, nil
			}
			s.deferred = append(s.deferred, m)
		case <-timer.C:
			return nil, fmt.Errorf("%w: %T to %s after %v", ErrTimeout, payload, target, timeout)
		case <-s.ctx.Done():
			return nil, ErrServiceClosed
		}
	}
}

// AsyncCall sends payload to target and returns at once. callback runs
// on the service goroutine with the response, or with ErrTimeout when
// timeout is positive and elapses first. It reports whether the request
// was sent.
func (s *Service) AsyncCall(payload any, target string, timeout time.Duration, callback func(*ResponseMessage, error)) bool {
	msg := s.message(KindData, payload)
	if !s.bus.SendUnicast(msg, target) {
		return false
	}
	call := &asyncCall{callback: callback}
	if timeout > 0 {
		id := msg.ID
		call.timer = s.NewTimer("call-"+target, timeout, SingleShot, func(t *Timer) {
			if _, ok := s.pending[id]; !ok {
				return
			}
			delete(s.pending, id)
			s.RemoveTimer(t)
			callback(nil, fmt.Errorf("%w: %T to %s", ErrTimeout, payload, target))
		})
		call.timer.Start()
	}
	s.pending[msg.ID] = call
	return true
}

// Call is SendUnicastSync with a typed result: the response must succeed
// and carry a payload of type T.
func Call[T any](s *Service, payload any, target string, timeout time.Duration) (T, error) {
	var zero T
	resp, err := s.SendUnicastSync(payload, target, timeout)
	if err != nil {
		return zero, err
	}
	if err := resp.AsError(); err != nil {
		return zero, err
	}
	v, ok := resp.Payload.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedResponse, resp.Payload)
	}
	return v, nil
}
