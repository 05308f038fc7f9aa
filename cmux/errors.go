package cmux

import "errors"

var (
	// ErrIncomplete is returned when parsing a buffer that holds only a
	// frame prefix.
	ErrIncomplete = errors.New("cmux: incomplete frame")

	// ErrInvalidFrame is returned for bytes that do not form a valid
	// frame: bad flags, bad length or FCS mismatch.
	ErrInvalidFrame = errors.New("cmux: invalid frame")

	ErrPayloadTooLarge = errors.New("cmux: payload too large")

	// ErrRejected is returned by Open when the modem answers SABM with DM.
	ErrRejected = errors.New("cmux: channel rejected")

	ErrChannelOpen = errors.New("cmux: channel already open")
	ErrBadDLCI     = errors.New("cmux: dlci out of range")

	// ErrClosed is returned for I/O on a closed channel or mux.
	ErrClosed = errors.New("cmux: closed")
)
