package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"i4.energy/across/phonecore/at"
	"i4.energy/across/phonecore/cmux"
)

// Modem represents a GSM/3G/4G cellular modem that communicates via AT commands.
// It provides thread-safe access to modem operations through command channels
// whose event loops handle all transport I/O.
//
// Without multiplexing a single Channel runs over the transport. With
// Config.Mux the transport is handed to a cmux.Mux after init and commands
// and notifications get a Channel each, on their own DLCI.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config Config
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	// loopRunning indicates if the Loop is currently running
	loopRunning atomic.Bool
	loopCancel  context.CancelFunc

	// urcChan receives Unsolicited Result Codes from every channel
	urcChan chan string

	mux           *cmux.Mux
	commands      *Channel
	notifications *Channel

	// smsLimiter paces SendSMS to Config.MinSendInterval.
	smsLimiter *rate.Limiter
	retry      RetryPolicy

	// direct serves execDirect until the channels take over the line.
	direct *directReader
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection, initializes the modem
// hardware with common actions and, when configured, switches the line
// to CMUX and opens the command and notification channels.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		transport:  transport,
		config:     config,
		log:        config.Logger.With("component", "modem"),
		urcChan:    make(chan string, config.URCBuffer), // Buffered to prevent blocking on URCs
		smsLimiter: rate.NewLimiter(rate.Every(config.MinSendInterval), 1),
		retry:      DefaultRetryPolicy(),
	}
	m.retry.MaxAttempts = config.MaxRetries

	// Initialize the modem with proper timeout
	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		m.stopDirect()
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	if config.Mux {
		if err := m.startMux(initCtx); err != nil {
			m.stopDirect()
			transport.Close()
			return nil, fmt.Errorf("start multiplexer: %w", err)
		}
	} else {
		m.stopDirect()
		m.commands = NewChannel("line", transport, m.urcChan, config.ATTimeout, m.log)
	}

	return m, nil
}

// startMux switches the modem to 27.010 mode and opens the AT channels.
func (m *Modem) startMux(ctx context.Context) error {
	if err := m.expectOkDirect(ctx, at.Mux(m.config.MuxFrameSize)); err != nil {
		return err
	}
	m.stopDirect()

	m.mux = cmux.New(m.transport,
		cmux.WithLogger(m.config.Logger),
		cmux.WithMaxPayload(m.config.MuxFrameSize),
	)
	if err := m.mux.Start(ctx); err != nil {
		return err
	}

	cmdCh, err := m.mux.Open(ctx, cmux.CommandsChannel)
	if err != nil {
		return err
	}
	notifCh, err := m.mux.Open(ctx, cmux.NotificationsChannel)
	if err != nil {
		return err
	}

	m.commands = NewChannel(cmux.CommandsChannel.String(), cmdCh, m.urcChan, m.config.ATTimeout, m.log)
	m.notifications = NewChannel(cmux.NotificationsChannel.String(), notifCh, m.urcChan, m.config.ATTimeout, m.log)
	m.log.Info("multiplexer started", "n1", m.config.MuxFrameSize)
	return nil
}

// Loop runs the event loops of every channel and, in CMUX mode, watches
// the multiplexer reader. It must be called exactly once after New() and
// before any command is executed. It returns the first error of any
// loop; io.EOF when the transport ends.
//
// Usage:
//
//	modem, err := New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go modem.Loop(ctx)
//
//	// Now Exec calls will work
//	res := modem.Exec(ctx, at.CmdSignalQuality)
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.loopCancel = cancel
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.commands.Loop(gctx) })
	if m.notifications != nil {
		g.Go(func() error { return m.notifications.Loop(gctx) })
	}
	if m.mux != nil {
		g.Go(func() error {
			select {
			case <-m.mux.Done():
				return m.mux.Err()
			case <-gctx.Done():
				return nil
			}
		})
	}
	return g.Wait()
}

// URC returns a read-only channel that receives Unsolicited Result Codes.
// These are asynchronous notifications from the modem (e.g., incoming SMS,
// network status changes, etc.). The channel is buffered, but may drop
// some URC if not consumed fast enough.
func (m *Modem) URC() <-chan string {
	return m.urcChan
}

// Exec runs cmd on the command channel. The result is always returned
// within the command timeout; see Channel.Exec.
func (m *Modem) Exec(ctx context.Context, cmd at.Cmd) at.Result {
	if m.isClosed() {
		return at.Failed(at.CodeTransmissionNotStarted, ErrAlreadyClosed)
	}
	if m.commands == nil {
		return at.Failed(at.CodeTransmissionNotStarted, ErrNotInitialized)
	}
	return m.commands.Exec(ctx, cmd)
}

// ExecRetry runs cmd under the modem's retry policy.
func (m *Modem) ExecRetry(ctx context.Context, cmd at.Cmd) at.Result {
	return m.retry.Exec(ctx, m, cmd)
}

// DataChannel opens the CMUX data DLCI, e.g. for PPP.
func (m *Modem) DataChannel(ctx context.Context) (io.ReadWriteCloser, error) {
	if m.mux == nil {
		return nil, ErrMuxDisabled
	}
	return m.mux.Open(ctx, cmux.DataChannel)
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the multiplexer and the transport
// connection, and marks the modem as closed. After calling Close(), the
// modem cannot be reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	cancel := m.loopCancel
	m.mu.Unlock()

	// Stop the Loop if it's running
	if cancel != nil {
		cancel()
	}
	for _, ch := range []*Channel{m.commands, m.notifications} {
		if ch != nil {
			ch.close()
		}
	}
	if m.mux != nil {
		if err := m.mux.Close(); err != nil && !errors.Is(err, cmux.ErrClosed) {
			m.log.Warn("close multiplexer", "error", err)
		}
	}
	return m.transport.Close()
}

func (m *Modem) stopDirect() {
	if m.direct != nil {
		m.direct.stop()
		m.direct = nil
	}
}

func (m *Modem) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// init performs the initial setup sequence for the modem hardware.
// This method is called during New() and must complete successfully
// before the modem can be used.
func (m *Modem) init(ctx context.Context) error {
	// 1. Wake-up / sanity check
	if err := m.expectOkDirect(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if !m.config.EchoOn {
		if err := m.expectOkDirect(ctx, at.CmdEchoOff); err != nil {
			return fmt.Errorf("could not disable echo: %w", err)
		}
	}

	if err := m.expectOkDirect(ctx, at.CmdVerboseErrors); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	// 4. Check SIM status
	res := at.ParseCPIN(m.execDirect(ctx, at.CmdSimStatus))
	if res.Code != at.CodeOK {
		return fmt.Errorf("query SIM status: %w", res.AsError())
	}

	switch res.State {
	case at.SimReady:
		// OK

	case at.SimPin:
		if m.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := m.expectOkDirect(ctx, at.EnterPIN(m.config.SimPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}

		// Wait until SIM becomes ready
		if err := m.waitForSIMReady(ctx, PollConfig{}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported SIM state: %q", res.State)
	}

	// 5. Select SMS text mode
	if err := m.expectOkDirect(ctx, at.CmdSetTextMode); err != nil {
		return fmt.Errorf("set SMS text mode: %w", err)
	}

	return nil
}

// execDirect executes an AT command directly on the transport without
// using the channel mechanism and handles the complete request-response
// cycle including timeout management. It is used during modem initialization
// when no loop is reading the transport yet.
//
// Lines come from the modem's single direct reader, so a command that
// timed out leaves no reader behind to steal the next command's answer.
//
// WARNING: This method should only be used during initialization.
// Use Exec() for normal operations.
func (m *Modem) execDirect(ctx context.Context, cmd at.Cmd) at.Result {
	if m.isClosed() {
		return at.Failed(at.CodeTransmissionNotStarted, ErrAlreadyClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, max(cmd.Timeout(), m.config.ATTimeout))
	defer cancel()

	if _, err := m.transport.Write(cmd.Wire()); err != nil {
		return at.Failed(at.CodeTransmissionNotStarted, fmt.Errorf("write command %q: %w", cmd, err))
	}

	if m.direct == nil {
		m.direct = newDirectReader(m.transport)
	}
	p := pendingCommand{req: &commandRequest{cmd: cmd}}
	for {
		token, err := m.direct.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return at.Failed(at.CodeTimeout, err)
			}
			return at.Failed(at.CodeError, fmt.Errorf("read error: %w", err))
		}
		if classify(token, &cmd) == at.TypeURC {
			// Keep early URCs for the consumer.
			select {
			case m.urcChan <- token:
			default:
			}
			continue
		}
		if res, done := p.feed(token); done {
			return res
		}
	}
}

// directReader reads init-phase lines on one goroutine. It only reads
// when a caller asks for a line; a request abandoned on timeout stays
// outstanding and its line goes to the next caller.
type directReader struct {
	want    chan struct{}
	lines   chan directLine
	pending bool
}

type directLine struct {
	text string
	err  error
}

func newDirectReader(r io.Reader) *directReader {
	d := &directReader{
		want:  make(chan struct{}),
		lines: make(chan directLine, 1),
	}
	go d.run(r)
	return d
}

func (d *directReader) run(r io.Reader) {
	defer close(d.lines)
	scanner := bufio.NewScanner(r)
	scanner.Split(at.Splitter)
	for range d.want {
		line, ok := scanLine(scanner)
		if !ok {
			err := scanner.Err()
			if err == nil {
				err = io.EOF
			}
			d.lines <- directLine{err: err}
			return
		}
		d.lines <- directLine{text: line}
	}
}

// scanLine returns the next non-empty token.
func scanLine(scanner *bufio.Scanner) (string, bool) {
	for scanner.Scan() {
		if token := scanner.Text(); token != "" {
			return token, true
		}
	}
	return "", false
}

// next returns the next line or ctx's error.
func (d *directReader) next(ctx context.Context) (string, error) {
	if !d.pending {
		select {
		case d.want <- struct{}{}:
			d.pending = true
		case l, ok := <-d.lines:
			// The reader already ended.
			if !ok {
				return "", io.EOF
			}
			return l.text, l.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	select {
	case l, ok := <-d.lines:
		d.pending = false
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stop ends the reader once it is idle.
func (d *directReader) stop() {
	close(d.want)
}

// expectOkDirect executes an AT command and validates that the result
// is OK. Used during initialization for basic configuration commands.
func (m *Modem) expectOkDirect(ctx context.Context, cmd at.Cmd) error {
	res := m.execDirect(ctx, cmd)
	if !res.OK() {
		return fmt.Errorf("%s: %w", cmd, res.AsError())
	}
	return nil
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational. Uses configurable polling interval
// and retry limits to avoid infinite waiting.
func (m *Modem) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			res := at.ParseCPIN(m.execDirect(ctx, at.CmdSimStatus))
			if errors.Is(res.Err, ErrAlreadyClosed) {
				// Fail fast on critical errors
				return fmt.Errorf("SIM status check failed: %w", res.Err)
			}
			if res.Code == at.CodeOK && res.State == at.SimReady {
				return nil
			}
		}
	}
}
