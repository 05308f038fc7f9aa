package modem

import (
	"context"
	"io"
	"strings"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the Loop's scanner goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
//
// Scripted replies registered with Respond are queued whenever a matching
// command is written, which lets tests drive a full command/response
// exchange without coordinating goroutines by hand.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool

	replies map[string][]string
	written []string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 64),
		replies:  make(map[string][]string),
	}
}

// Write records p and queues the scripted reply for it, if any.
func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	cmd := strings.TrimSuffix(string(p), "\r")
	t.written = append(t.written, cmd)
	if queue := t.replies[cmd]; len(queue) > 0 {
		if queue[0] != "" {
			t.readChan <- []byte(queue[0])
		}
		if len(queue) > 1 {
			t.replies[cmd] = queue[1:]
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Respond scripts replies for a command, given without the trailing CR.
// Successive writes of the same command consume successive replies; the
// last one repeats. An empty reply leaves that write unanswered.
func (t *TestTransport) Respond(cmd string, replies ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[cmd] = append(t.replies[cmd], replies...)
}

// Written returns every command written so far.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

// Dial lets a TestTransport act as its own Dialer.
func (t *TestTransport) Dial(context.Context) (Transport, error) {
	return t, nil
}
