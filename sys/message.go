// Package sys is an actor runtime: services own a mailbox and process one
// message at a time, a bus routes messages between them by name or by
// channel, timers post their expiries back into the owning mailbox and a
// manager drives boot, power mode and shutdown across all services.
package sys

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UnknownSender is the sender name of a message nobody signed.
const UnknownSender = "Unknown"

// Transmission is the routing mode of a message.
type Transmission int

const (
	Unicast Transmission = iota
	Multicast
	Broadcast
)

func (t Transmission) String() string {
	switch t {
	case Unicast:
		return "unicast"
	case Multicast:
		return "multicast"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("transmission(%d)", int(t))
	}
}

// Kind separates lifecycle traffic from application data and replies.
type Kind int

const (
	KindData Kind = iota
	KindSystem
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindSystem:
		return "system"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Channel names a multicast group services opt into.
type Channel string

const (
	ChannelServiceCellularNotifications Channel = "ServiceCellularNotifications"
	ChannelPowerManagerNotifications    Channel = "PowerManagerNotifications"
	ChannelPhoneModeChanges             Channel = "PhoneModeChanges"
)

// Message is the unit of communication between services. The bus stamps
// ID, TraceID and SentAt on send; after that the message is shared by
// every receiver and must not be modified.
type Message struct {
	ID            uint64
	CorrelationID uint64
	Sender        string
	Target        string
	Channel       Channel
	Transmission  Transmission
	Kind          Kind
	TraceID       uuid.UUID
	SentAt        time.Time
	Payload       any
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s #%d %s->%s%s %T", m.Kind, m.Transmission, m.ID, m.Sender, m.Target, m.Channel, m.Payload)
}

// ContractViolation is the panic value of a message that is missing a
// field its transmission mode requires. It marks a programming error.
type ContractViolation struct {
	Transmission Transmission
	Reason       string
	Message      *Message
}

func (v *ContractViolation) Error() string {
	return fmt.Sprintf("invalid %s message: %s", v.Transmission, v.Reason)
}

func violate(t Transmission, m *Message, reason string) {
	panic(&ContractViolation{Transmission: t, Reason: reason, Message: m})
}

func validateCommon(t Transmission, m *Message) {
	if m == nil {
		violate(t, m, "nil message")
	}
	if m.ID == 0 {
		violate(t, m, "zero id")
	}
	if m.Sender == "" || m.Sender == UnknownSender {
		violate(t, m, "unknown sender")
	}
	if m.Transmission != t {
		violate(t, m, "transmission is "+m.Transmission.String())
	}
}

// ValidateUnicast panics unless m has an id, a sender and a target.
func ValidateUnicast(m *Message) {
	validateCommon(Unicast, m)
	if m.Target == "" {
		violate(Unicast, m, "no target")
	}
}

// ValidateMulticast panics unless m has an id, a sender and a channel.
func ValidateMulticast(m *Message) {
	validateCommon(Multicast, m)
	if m.Channel == "" {
		violate(Multicast, m, "no channel")
	}
}

// ValidateBroadcast panics unless m has an id and a sender and no channel.
func ValidateBroadcast(m *Message) {
	validateCommon(Broadcast, m)
	if m.Channel != "" {
		violate(Broadcast, m, "broadcast with channel "+string(m.Channel))
	}
}

// ReturnCode is the outcome of a handler.
type ReturnCode int

const (
	ReturnSuccess ReturnCode = iota
	ReturnFailure
	ReturnTimeout
	// ReturnUnresolved means nobody handled the message. It is passed
	// back to the sender as is, not treated as a failure.
	ReturnUnresolved
)

func (c ReturnCode) String() string {
	switch c {
	case ReturnSuccess:
		return "success"
	case ReturnFailure:
		return "failure"
	case ReturnTimeout:
		return "timeout"
	case ReturnUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("return(%d)", int(c))
	}
}

// ResponseMessage is what a handler returns; for unicast requests it is
// sent back to the requester as the payload of a KindResponse message.
type ResponseMessage struct {
	Code    ReturnCode
	Payload any
	Err     error
}

// MsgHandled is the plain success response.
func MsgHandled() *ResponseMessage {
	return &ResponseMessage{Code: ReturnSuccess}
}

// MsgNotHandled is the response for message types a service ignores.
func MsgNotHandled() *ResponseMessage {
	return &ResponseMessage{Code: ReturnUnresolved}
}

// Reply wraps a successful result payload.
func Reply(payload any) *ResponseMessage {
	return &ResponseMessage{Code: ReturnSuccess, Payload: payload}
}

// Fail wraps an error into a failure response.
func Fail(err error) *ResponseMessage {
	return &ResponseMessage{Code: ReturnFailure, Err: err}
}

// AsError returns nil for success and an error describing anything else.
func (r *ResponseMessage) AsError() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: no response", ErrRequestFailed)
	case r.Code == ReturnSuccess:
		return nil
	case r.Err != nil:
		return fmt.Errorf("%w (%s): %w", ErrRequestFailed, r.Code, r.Err)
	default:
		return fmt.Errorf("%w: %s", ErrRequestFailed, r.Code)
	}
}
