package cellular

import (
	"i4.energy/across/phonecore/at"
)

// Notifications multicast on sys.ChannelServiceCellularNotifications.
type (
	SignalStrengthUpdateNotification struct {
		Signal SignalStrength
	}

	NetworkStatusNotification struct {
		Status at.RegStatus
		LAC    string
		CellID string
	}

	FotaProgressNotification struct {
		Stage        string
		Parameter    int
		HasParameter bool
	}

	UssdNotification struct {
		Status       at.UssdStatus
		Message      string
		ActionNeeded bool
	}

	NewSMSNotification struct {
		Storage string
		Index   int
	}

	IncomingCallNotification struct{}

	CallerIDNotification struct {
		Number string
	}

	FunctionalityChangedNotification struct {
		Functionality at.Functionality
	}

	// ModemStatusNotification reports the modem link going up or down.
	ModemStatusNotification struct {
		Ready bool
		Err   error
	}
)

// Requests handled by ServiceCellular and the payload each replies with.
type (
	// GetSignalStrengthRequest replies with a SignalStrength.
	GetSignalStrengthRequest struct{}

	// GetFunctionalityRequest replies with an at.Functionality.
	GetFunctionalityRequest struct{}

	// SetFunctionalityRequest replies with the new at.Functionality.
	SetFunctionalityRequest struct {
		Functionality at.Functionality
	}

	// UssdRequest opens or continues a USSD session; the network's answer
	// arrives later as a UssdNotification.
	UssdRequest struct {
		Code string
	}

	// CancelUssdRequest ends the USSD session.
	CancelUssdRequest struct{}

	// SendSMSRequest replies with an SMSSent.
	SendSMSRequest struct {
		Recipient string
		Text      string
	}

	// GetStateRequest replies with a Snapshot.
	GetStateRequest struct{}
)

// SMSSent carries the message reference the network assigned.
type SMSSent struct {
	Reference int
}

// Internal messages posted by the service's own goroutines.
type (
	urcReceived struct{ Line string }
	modemStopped struct{ Err error }
)
