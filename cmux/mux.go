package cmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Control channel message types (27.010 5.4.6.3), C/R and EA bits set.
const (
	msgCLD  byte = 0xC3
	msgMSC  byte = 0xE3
	msgTest byte = 0x23

	msgCR byte = 0x02
)

const defaultQueueSize = 64

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the logger used for dropped frames and protocol events.
func WithLogger(log *slog.Logger) Option {
	return func(m *Mux) { m.log = log }
}

// WithMaxPayload sets N1, the largest information field written per frame.
func WithMaxPayload(n1 int) Option {
	return func(m *Mux) {
		if n1 > 0 && n1 <= MaxDataLen {
			m.maxPayload = n1
		}
	}
}

// WithQueueSize sets the per-channel inbound frame queue length.
func WithQueueSize(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// Mux owns the physical line once started. All writes go through
// writeFrame so frames for different DLCIs are never interleaved.
type Mux struct {
	line       io.ReadWriter
	log        *slog.Logger
	maxPayload int
	queueSize  int

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[DLCI]*Channel
	pending  map[DLCI]chan byte
	started  bool
	closed   bool

	done    chan struct{}
	doneErr error
}

// New wraps line. Nothing is read or written before Start.
func New(line io.ReadWriter, opts ...Option) *Mux {
	m := &Mux{
		line:       line,
		log:        slog.Default(),
		maxPayload: 127,
		queueSize:  defaultQueueSize,
		channels:   make(map[DLCI]*Channel),
		pending:    make(map[DLCI]chan byte),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "cmux")
	return m
}

// MaxPayload is N1.
func (m *Mux) MaxPayload() int {
	return m.maxPayload
}

// Start launches the reader goroutine and opens the control channel.
// The reader stops when the line returns an error; Done is closed then.
func (m *Mux) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("cmux: already started")
	}
	m.started = true
	m.mu.Unlock()

	go m.readLoop()

	if _, err := m.Open(ctx, ControlChannel); err != nil {
		return fmt.Errorf("open control channel: %w", err)
	}
	return nil
}

// Done is closed when the reader goroutine exits.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped the reader, if any.
func (m *Mux) Err() error {
	<-m.done
	return m.doneErr
}

// Open establishes dlci with SABM and waits for UA or DM.
func (m *Mux) Open(ctx context.Context, dlci DLCI) (*Channel, error) {
	if dlci > MaxDLCI {
		return nil, ErrBadDLCI
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.channels[dlci]; ok {
		m.mu.Unlock()
		return nil, ErrChannelOpen
	}
	reply := make(chan byte, 1)
	m.pending[dlci] = reply
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, dlci)
		m.mu.Unlock()
	}()

	if err := m.writeFrame(NewFrame(dlci, SABM|PF, nil)); err != nil {
		return nil, err
	}

	select {
	case ctrl := <-reply:
		if ctrl != UA {
			return nil, fmt.Errorf("%w: dlci %d", ErrRejected, dlci)
		}
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("open dlci %d: %w", dlci, ctx.Err())
	}

	ch := newChannel(m, dlci, m.queueSize)
	m.mu.Lock()
	m.channels[dlci] = ch
	m.mu.Unlock()
	m.log.Debug("channel open", "dlci", dlci)
	return ch, nil
}

// Channel returns the open channel for dlci.
func (m *Mux) Channel(dlci DLCI) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[dlci]
	return ch, ok
}

// Close disconnects every channel and sends the multiplexer close-down
// command. The line itself is left to its owner.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	channels := make([]*Channel, 0, len(m.channels))
	for dlci, ch := range m.channels {
		if dlci != ControlChannel {
			channels = append(channels, ch)
		}
	}
	control := m.channels[ControlChannel]
	m.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		errs = append(errs, ch.Close())
	}
	if control != nil {
		errs = append(errs, m.writeFrame(NewFrame(ControlChannel, UIH, []byte{msgCLD, 0x01})))
		control.shutdown()
	}
	return errors.Join(errs...)
}

func (m *Mux) writeFrame(f Frame) error {
	wire, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.line.Write(wire); err != nil {
		return fmt.Errorf("write %s: %w", f, err)
	}
	return nil
}

func (m *Mux) readLoop() {
	defer close(m.done)
	defer m.shutdownChannels()

	scanner := bufio.NewScanner(m.line)
	scanner.Buffer(make([]byte, 0, 4096), m.maxPayload+MinFrameLen+1)
	scanner.Split(SplitFramesN1(m.maxPayload))

	for scanner.Scan() {
		f, err := ParseFrame(scanner.Bytes())
		if err != nil {
			m.log.Warn("dropping frame", "error", err)
			continue
		}
		m.dispatch(f)
	}
	if err := scanner.Err(); err != nil {
		m.doneErr = fmt.Errorf("cmux read: %w", err)
	} else {
		m.doneErr = io.EOF
	}
}

func (m *Mux) dispatch(f Frame) {
	dlci := f.DLCI()
	switch f.Type() {
	case UA, DM:
		m.mu.Lock()
		reply, ok := m.pending[dlci]
		m.mu.Unlock()
		if ok {
			select {
			case reply <- f.Type():
			default:
			}
		}
		if !ok && f.Type() == DM {
			m.dropChannel(dlci)
		}

	case DISC:
		m.dropChannel(dlci)
		if err := m.writeFrame(NewFrame(dlci, UA|PF, nil)); err != nil {
			m.log.Warn("ack DISC", "dlci", dlci, "error", err)
		}

	case SABM:
		// The modem never opens channels towards us.
		if err := m.writeFrame(NewFrame(dlci, DM|PF, nil)); err != nil {
			m.log.Warn("reject SABM", "dlci", dlci, "error", err)
		}

	case UIH, UI:
		if dlci == ControlChannel {
			m.handleControl(f.Data)
			return
		}
		m.mu.Lock()
		ch, ok := m.channels[dlci]
		m.mu.Unlock()
		if !ok {
			m.log.Debug("data for unopened channel", "dlci", dlci, "len", len(f.Data))
			return
		}
		ch.deliver(f.Data)

	default:
		m.log.Debug("unsupported frame", "frame", f.String())
	}
}

// handleControl acknowledges commands received on DLCI 0.
func (m *Mux) handleControl(data []byte) {
	if len(data) < 2 {
		return
	}
	typ := data[0]
	if typ&msgCR == 0 {
		// A response to something we sent.
		return
	}
	switch typ {
	case msgMSC, msgTest:
		resp := append([]byte{typ &^ msgCR}, data[1:]...)
		if err := m.writeFrame(NewFrame(ControlChannel, UIH, resp)); err != nil {
			m.log.Warn("ack control message", "type", typ, "error", err)
		}
	case msgCLD:
		m.log.Info("modem closed the multiplexer")
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.shutdownChannels()
	default:
		m.log.Debug("ignoring control message", "type", typ)
	}
}

func (m *Mux) dropChannel(dlci DLCI) {
	m.mu.Lock()
	ch, ok := m.channels[dlci]
	delete(m.channels, dlci)
	m.mu.Unlock()
	if ok {
		ch.shutdown()
	}
}

func (m *Mux) shutdownChannels() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[DLCI]*Channel)
	m.mu.Unlock()
	for _, ch := range channels {
		ch.shutdown()
	}
}
