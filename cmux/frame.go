// Package cmux implements the basic option of the 3GPP TS 27.010
// multiplexer protocol: frame codec and a mux that splits one serial
// line into independent logical channels (DLCIs).
package cmux

import (
	"bufio"
	"bytes"
	"fmt"
)

const (
	// Flag opens and closes every basic-option frame.
	Flag byte = 0xF9

	addressEA byte = 0x01
	addressCR byte = 0x02
	lengthEA  byte = 0x01

	// MaxDLCI is the highest DLCI the 6 bit address field can carry.
	MaxDLCI = 63
	// MaxDataLen is the largest payload the two byte length field encodes.
	MaxDataLen = 0x7FFF
	// MinFrameLen is flag, address, control, length, FCS and flag.
	MinFrameLen = 6
)

// Control field values. PF is or'ed into any of them.
const (
	SABM byte = 0x2F
	UA   byte = 0x63
	DM   byte = 0x0F
	DISC byte = 0x43
	UIH  byte = 0xEF
	UI   byte = 0x03
	PF   byte = 0x10
)

// DLCI identifies a logical channel.
type DLCI uint8

const (
	ControlChannel       DLCI = 0
	CommandsChannel      DLCI = 1
	NotificationsChannel DLCI = 2
	DataChannel          DLCI = 3
)

func (d DLCI) String() string {
	switch d {
	case ControlChannel:
		return "control"
	case CommandsChannel:
		return "commands"
	case NotificationsChannel:
		return "notifications"
	case DataChannel:
		return "data"
	default:
		return fmt.Sprintf("dlci-%d", uint8(d))
	}
}

// Frame is a single multiplexer frame. Address and Control hold the raw
// header bytes; the FCS is computed on serialisation.
type Frame struct {
	Address byte
	Control byte
	Data    []byte
}

// NewFrame builds a command frame (C/R set) for dlci.
func NewFrame(dlci DLCI, control byte, data []byte) Frame {
	return Frame{
		Address: byte(dlci)<<2 | addressCR | addressEA,
		Control: control,
		Data:    data,
	}
}

func (f Frame) DLCI() DLCI {
	return DLCI(f.Address >> 2)
}

// Type is the control field with the P/F bit cleared.
func (f Frame) Type() byte {
	return f.Control &^ PF
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{dlci=%d ctrl=%#02x len=%d}", f.DLCI(), f.Control, len(f.Data))
}

// MarshalBinary serialises f to wire bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	if f.Address&addressEA == 0 {
		return nil, fmt.Errorf("%w: address EA bit not set", ErrInvalidFrame)
	}
	if len(f.Data) > MaxDataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Data))
	}

	out := make([]byte, 0, MinFrameLen+1+len(f.Data))
	out = append(out, Flag, f.Address, f.Control)
	if n := len(f.Data); n <= 0x7F {
		out = append(out, byte(n)<<1|lengthEA)
	} else {
		out = append(out, byte(n&0x7F)<<1, byte(n>>7))
	}
	header := out[1:]
	out = append(out, f.Data...)
	out = append(out, fcs(fcsInput(f.Control, header, f.Data)), Flag)
	return out, nil
}

// UnmarshalBinary parses exactly one complete frame.
func (f *Frame) UnmarshalBinary(buf []byte) error {
	parsed, err := ParseFrame(buf)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFrame decodes the complete frame held in buf.
func ParseFrame(buf []byte) (Frame, error) {
	status, n := Check(buf)
	switch {
	case status == StatusIncomplete:
		return Frame{}, ErrIncomplete
	case status == StatusInvalid:
		return Frame{}, ErrInvalidFrame
	case n != len(buf):
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFrame, len(buf)-n)
	}
	hdr := headerLen(buf)
	data := make([]byte, n-hdr-2)
	copy(data, buf[hdr:n-2])
	return Frame{Address: buf[1], Control: buf[2], Data: data}, nil
}

// Status is the outcome of Check.
type Status int

const (
	// StatusIncomplete means the bytes so far are a valid frame prefix.
	StatusIncomplete Status = iota
	// StatusComplete means a whole frame with a valid FCS starts at buf[0].
	StatusComplete
	// StatusInvalid means buf[0] cannot start a frame; drop a byte and resync.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusIncomplete:
		return "incomplete"
	case StatusComplete:
		return "complete"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Check inspects the frame starting at buf[0]. On StatusComplete, n is
// the frame length; buf may hold more bytes after it.
func Check(buf []byte) (status Status, n int) {
	return CheckN1(buf, MaxDataLen)
}

// CheckN1 is Check for a link negotiated with maximum frame size n1. A
// header declaring more than n1 data bytes is corrupt, so it is reported
// invalid at once instead of waiting for bytes that never come.
func CheckN1(buf []byte, n1 int) (status Status, n int) {
	if len(buf) == 0 {
		return StatusIncomplete, 0
	}
	if buf[0] != Flag {
		return StatusInvalid, 0
	}
	if len(buf) < 2 {
		return StatusIncomplete, 0
	}
	// A second flag is either a shared closing/opening flag or noise.
	if buf[1] == Flag || buf[1]&addressEA == 0 {
		return StatusInvalid, 0
	}
	if len(buf) < 4 {
		return StatusIncomplete, 0
	}
	if buf[3]&lengthEA == 0 && len(buf) < 5 {
		return StatusIncomplete, 0
	}

	if dataLen(buf) > n1 {
		return StatusInvalid, 0
	}
	hdr := headerLen(buf)
	total := hdr + dataLen(buf) + 2
	if len(buf) < total {
		return StatusIncomplete, 0
	}
	if buf[total-1] != Flag {
		return StatusInvalid, 0
	}
	data := buf[hdr : total-2]
	if !fcsValid(fcsInput(buf[2], buf[1:hdr], data), buf[total-2]) {
		return StatusInvalid, 0
	}
	return StatusComplete, total
}

// IsComplete reports whether buf holds exactly one frame whose length
// and checksum both validate.
func IsComplete(buf []byte) bool {
	status, n := Check(buf)
	return status == StatusComplete && n == len(buf)
}

// FrameDLCI extracts the DLCI from serialised frame bytes.
func FrameDLCI(buf []byte) DLCI {
	if len(buf) < 2 {
		return 0
	}
	return DLCI(buf[1] >> 2)
}

// SplitFrames is a bufio.SplitFunc yielding complete frames. Noise and
// corrupt frames are skipped one byte at a time until the next valid
// frame; incomplete frames are held until more bytes arrive.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	return splitFrames(data, atEOF, MaxDataLen)
}

// SplitFramesN1 is SplitFrames for a link negotiated with maximum frame
// size n1.
func SplitFramesN1(n1 int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		return splitFrames(data, atEOF, n1)
	}
}

func splitFrames(data []byte, atEOF bool, n1 int) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.IndexByte(data, Flag)
	if i < 0 {
		return len(data), nil, nil
	}
	if i > 0 {
		return i, nil, nil
	}

	status, n := CheckN1(data, n1)
	switch status {
	case StatusComplete:
		return n, data[:n], nil
	case StatusInvalid:
		return 1, nil, nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = SplitFrames

func headerLen(buf []byte) int {
	if buf[3]&lengthEA != 0 {
		return 4
	}
	return 5
}

func dataLen(buf []byte) int {
	n := int(buf[3] >> 1)
	if buf[3]&lengthEA == 0 {
		n |= int(buf[4]) << 7
	}
	return n
}

// fcsInput selects the bytes covered by the FCS: the header only for
// UIH, header plus information field for every other frame type.
func fcsInput(control byte, header, data []byte) []byte {
	in := append([]byte(nil), header...)
	if control&^PF != UIH {
		in = append(in, data...)
	}
	return in
}
