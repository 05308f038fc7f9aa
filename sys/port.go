package sys

import (
	"context"
	"fmt"
	"sync"
)

// Port is a bus endpoint for code that runs outside any service, such
// as the system manager or a command line tool. It does not receive
// broadcasts. Requests are serialized; messages that arrive while a
// request waits are kept for Receive.
type Port struct {
	name string
	bus  *Bus
	ep   *endpoint

	mu       sync.Mutex
	deferred []*Message
}

// NewPort registers a port called name on bus.
func NewPort(bus *Bus, name string, mailboxSize int) (*Port, error) {
	ep, err := bus.register(name, max(mailboxSize, DefaultMailboxSize), false)
	if err != nil {
		return nil, err
	}
	return &Port{name: name, bus: bus, ep: ep}, nil
}

func (p *Port) Name() string { return p.name }

// Send sends payload as a data message to target without waiting.
func (p *Port) Send(payload any, target string) bool {
	return p.bus.SendUnicast(&Message{Sender: p.name, Kind: KindData, Payload: payload}, target)
}

// Publish multicasts payload on ch.
func (p *Port) Publish(payload any, ch Channel) int {
	return p.bus.SendMulticast(&Message{Sender: p.name, Kind: KindData, Payload: payload}, ch)
}

// Subscribe makes the port receive multicasts on ch.
func (p *Port) Subscribe(ch Channel) { p.bus.Subscribe(p.name, ch) }

// Call sends a data request and waits for the response.
func (p *Port) Call(ctx context.Context, payload any, target string) (*ResponseMessage, error) {
	return p.Request(ctx, KindData, payload, target)
}

// Request sends payload with the given kind to target and waits for the
// correlated response until ctx is done.
func (p *Port) Request(ctx context.Context, kind Kind, payload any, target string) (*ResponseMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := &Message{Sender: p.name, Kind: kind, Payload: payload}
	if !p.bus.SendUnicast(msg, target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, target)
	}
	for {
		select {
		case m := <-p.ep.mailbox:
			if m.Kind == KindResponse && m.CorrelationID == msg.ID {
				resp, _ := m.Payload.(*ResponseMessage)
				return resp, nil
			}
			if m.Kind != KindResponse {
				p.deferred = append(p.deferred, m)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %T to %s: %w", ErrTimeout, payload, target, ctx.Err())
		}
	}
}

// Receive returns the next non-response message addressed to the port.
func (p *Port) Receive(ctx context.Context) (*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.deferred) > 0 {
		m := p.deferred[0]
		p.deferred = p.deferred[1:]
		return m, nil
	}
	for {
		select {
		case m := <-p.ep.mailbox:
			// Late responses to timed out requests.
			if m.Kind == KindResponse {
				continue
			}
			return m, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close removes the port from the bus.
func (p *Port) Close() {
	p.bus.unregister(p.name)
}
