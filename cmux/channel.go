package cmux

import (
	"io"
	"sync"
)

// Channel is one logical connection over the mux. It implements
// io.ReadWriteCloser so the AT layer can use it in place of the line.
type Channel struct {
	mux  *Mux
	dlci DLCI

	in      chan []byte
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ io.ReadWriteCloser = (*Channel)(nil)

func newChannel(m *Mux, dlci DLCI, queue int) *Channel {
	return &Channel{
		mux:    m,
		dlci:   dlci,
		in:     make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

func (c *Channel) DLCI() DLCI {
	return c.dlci
}

// Read returns payload bytes in frame order. It blocks until a frame
// arrives and returns io.EOF once the channel is closed and drained.
func (c *Channel) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case data := <-c.in:
			c.pending = data
		case <-c.closed:
			// Drain what the reader queued before the close.
			select {
			case data := <-c.in:
				c.pending = data
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends p as UIH frames of at most N1 bytes each.
func (c *Channel) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > c.mux.maxPayload {
			chunk = chunk[:c.mux.maxPayload]
		}
		if err := c.mux.writeFrame(NewFrame(c.dlci, UIH, chunk)); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close sends DISC and stops the channel. It does not wait for UA.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.mux.writeFrame(NewFrame(c.dlci, DISC|PF, nil))
		c.mux.mu.Lock()
		if c.mux.channels[c.dlci] == c {
			delete(c.mux.channels, c.dlci)
		}
		c.mux.mu.Unlock()
		close(c.closed)
	})
	return err
}

// deliver runs on the mux reader goroutine. A full queue applies
// backpressure to the line rather than dropping data.
func (c *Channel) deliver(data []byte) {
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

// shutdown closes the channel locally without sending DISC.
func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
