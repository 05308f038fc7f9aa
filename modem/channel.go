package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/phonecore/at"
)

// Executor runs one AT command and returns its result. Implementations
// must never block past the command timeout.
type Executor interface {
	Exec(ctx context.Context, cmd at.Cmd) at.Result
}

// Channel runs AT commands over one byte stream: the raw transport, or a
// single CMUX DLCI. It owns all reads of that stream once Loop runs.
type Channel struct {
	name string
	rw   io.ReadWriter
	log  *slog.Logger

	// urc receives unsolicited lines; shared between channels.
	urc chan<- string
	// commands queues requests; unbuffered so only one waits at a time.
	commands chan *commandRequest
	// queueTimeout bounds the wait for the loop to accept a request.
	queueTimeout time.Duration

	running atomic.Bool
	closeMu sync.RWMutex
	closed  bool
}

// commandRequest represents an AT command request to be executed by the Loop.
type commandRequest struct {
	cmd      at.Cmd
	respChan chan at.Result
}

// NewChannel creates a command channel over rw. Unsolicited lines are
// offered to urc without blocking; a full urc channel drops them.
func NewChannel(name string, rw io.ReadWriter, urc chan<- string, queueTimeout time.Duration, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if queueTimeout <= 0 {
		queueTimeout = 5 * time.Second
	}
	return &Channel{
		name:         name,
		rw:           rw,
		log:          log.With("channel", name),
		urc:          urc,
		commands:     make(chan *commandRequest),
		queueTimeout: queueTimeout,
	}
}

// Loop is the event loop for the channel. It writes queued commands,
// reads and classifies responses, dispatches URCs and completes the
// in-flight command when its final result arrives or its timeout expires.
//
// Only one command is in flight at a time: new requests are not accepted
// until the current one completes. Loop returns when ctx is cancelled or
// the stream fails; io.EOF is returned when the stream ends.
func (c *Channel) Loop(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer c.running.Store(false)

	scanner := bufio.NewScanner(c.rw)
	scanner.Split(at.Splitter)

	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token == "" {
				continue
			}
			select {
			case tokens <- token:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = fmt.Errorf("%w: %w", ErrLineTooLong, err)
			}
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	var (
		current *pendingCommand
		timer   *time.Timer
		expired <-chan time.Time
	)
	finish := func(res at.Result) {
		current.req.respChan <- res
		current = nil
		if timer != nil {
			timer.Stop()
		}
		expired = nil
	}

	for {
		// Accept a new command only when none is in flight.
		var accept <-chan *commandRequest
		if current == nil {
			accept = c.commands
		}

		select {
		case <-ctx.Done():
			if current != nil {
				finish(at.Failed(at.CodeError, ctx.Err()))
			}
			return ctx.Err()

		case req := <-accept:
			if _, err := c.rw.Write(req.cmd.Wire()); err != nil {
				req.respChan <- at.Failed(at.CodeTransmissionNotStarted, fmt.Errorf("write command %q: %w", req.cmd, err))
				continue
			}
			c.log.Debug("sent", "cmd", req.cmd.String())
			current = &pendingCommand{req: req}
			timer = time.NewTimer(req.cmd.Timeout())
			expired = timer.C

		case <-expired:
			c.log.Warn("command timed out", "cmd", current.req.cmd.String(), "timeout", current.req.cmd.Timeout())
			finish(at.Failed(at.CodeTimeout, fmt.Errorf("%w: %s", context.DeadlineExceeded, current.req.cmd)))

		case token, ok := <-tokens:
			if !ok {
				// The reader reports its error before closing tokens.
				select {
				case err := <-scanErrs:
					if current != nil {
						finish(at.Failed(at.CodeError, fmt.Errorf("read error: %w", err)))
					}
					return fmt.Errorf("scanner error: %w", err)
				default:
				}
				if current != nil {
					finish(at.Failed(at.CodeError, io.EOF))
				}
				return io.EOF
			}

			var inflight *at.Cmd
			if current != nil {
				inflight = &current.req.cmd
			}
			switch classify(token, inflight) {
			case at.TypeURC:
				c.dispatchURC(token)
			default:
				if current == nil {
					c.log.Debug("orphaned response", "line", token)
					continue
				}
				if res, done := current.feed(token); done {
					finish(res)
				}
			}

		case err := <-scanErrs:
			if current != nil {
				finish(at.Failed(at.CodeError, fmt.Errorf("read error: %w", err)))
			}
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

func (c *Channel) dispatchURC(line string) {
	if c.urc == nil {
		return
	}
	select {
	case c.urc <- line:
	default:
		c.log.Warn("URC channel full, dropping", "line", line)
	}
}

// Exec sends cmd through the loop and waits for its result. It never
// blocks longer than the queue timeout plus the command timeout: a busy
// channel yields CodeTransmissionNotStarted, a silent modem CodeTimeout.
func (c *Channel) Exec(ctx context.Context, cmd at.Cmd) at.Result {
	c.closeMu.RLock()
	closed := c.closed
	c.closeMu.RUnlock()
	if closed {
		return at.Failed(at.CodeTransmissionNotStarted, ErrAlreadyClosed)
	}

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan at.Result, 1),
	}

	queue := time.NewTimer(c.queueTimeout)
	defer queue.Stop()

	select {
	case c.commands <- req:
	case <-queue.C:
		return at.Failed(at.CodeTransmissionNotStarted, fmt.Errorf("channel %s busy", c.name))
	case <-ctx.Done():
		return at.Failed(at.CodeTransmissionNotStarted, fmt.Errorf("command cancelled before sending: %w", ctx.Err()))
	}

	select {
	case res := <-req.respChan:
		return res
	case <-ctx.Done():
		return at.Failed(at.CodeTimeout, fmt.Errorf("command timeout: %w", ctx.Err()))
	}
}

// close makes further Exec calls fail fast.
func (c *Channel) close() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

// pendingCommand accumulates the response lines of the in-flight command.
type pendingCommand struct {
	req   *commandRequest
	lines []string
}

// feed adds one line and reports whether the command is complete.
func (p *pendingCommand) feed(line string) (at.Result, bool) {
	switch at.Classify(line) {
	case at.TypeFinal, at.TypePrompt:
		return at.NewResult(p.lines, line), true
	default:
		p.lines = append(p.lines, line)
		return at.Result{}, false
	}
}

// classify refines at.Classify: an unsolicited-looking line that carries
// the in-flight command's own response header is that command's data.
func classify(line string, inflight *at.Cmd) at.ResponseType {
	t := at.Classify(line)
	if t != at.TypeURC || inflight == nil {
		return t
	}
	if hdr := inflight.ResponseHeader(); hdr != "" && strings.HasPrefix(line, hdr) {
		return at.TypeData
	}
	return t
}
