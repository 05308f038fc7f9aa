package cellular

import "errors"

var (
	// ErrModemUnavailable is returned for requests that need the modem
	// while it is not initialized or its link has failed.
	ErrModemUnavailable = errors.New("modem unavailable")

	// ErrInvalidFunctionality is returned for CFUN levels the modem does
	// not support.
	ErrInvalidFunctionality = errors.New("invalid functionality level")

	// ErrEmptyUssdCode is returned for a USSD request without a code.
	ErrEmptyUssdCode = errors.New("empty USSD code")
)
