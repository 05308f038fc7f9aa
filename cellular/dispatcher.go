package cellular

import (
	"log/slog"

	"i4.energy/across/phonecore/at"
	"i4.energy/across/phonecore/sys"
)

// Publisher fans a notification out to a bus channel. *sys.Service and
// *sys.Port both satisfy it.
type Publisher interface {
	SendMulticast(payload any, ch sys.Channel) int
}

// Dispatcher turns unsolicited modem lines into state updates and typed
// notifications on sys.ChannelServiceCellularNotifications. It is not
// safe for concurrent use; the owning service calls it from its own
// goroutine.
type Dispatcher struct {
	state *State
	pub   Publisher
	log   *slog.Logger
}

func NewDispatcher(state *State, pub Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{state: state, pub: pub, log: log}
}

// Handle classifies line and forwards it. Lines that are not a known URC,
// or carry a known header but the wrong shape, are dropped and reported
// as not handled.
func (d *Dispatcher) Handle(line string) (at.URC, bool) {
	urc, ok := at.ParseURC(line)
	if !ok {
		d.log.Debug("unhandled URC", "line", line)
		return nil, false
	}

	var note any
	switch u := urc.(type) {
	case at.Qind:
		note, ok = d.qind(u)
	case at.Cusd:
		d.state.setUssd(u.ActionNeeded())
		note = UssdNotification{Status: u.Status, Message: u.Message, ActionNeeded: u.ActionNeeded()}
	case at.Creg:
		d.state.setRegistration(u.Status)
		note = NetworkStatusNotification{Status: u.Status, LAC: u.LAC, CellID: u.CellID}
	case at.Cmti:
		note = NewSMSNotification{Storage: u.Storage, Index: u.Index}
	case at.Ring:
		note = IncomingCallNotification{}
	case at.Clip:
		note = CallerIDNotification{Number: u.Number}
	default:
		ok = false
	}
	if !ok {
		d.log.Debug("malformed URC", "line", line)
		return urc, false
	}

	n := d.pub.SendMulticast(note, sys.ChannelServiceCellularNotifications)
	d.log.Debug("URC dispatched", "header", urc.Header(), "subscribers", n)
	return urc, true
}

func (d *Dispatcher) qind(q at.Qind) (any, bool) {
	switch {
	case q.IsCSQ():
		// An undetectable RSSI still clears the previous reading.
		signal := SignalStrength{RSSI: at.InvalidRSSILow}
		if rssi, ok := q.RSSI(); ok {
			signal = NewSignalStrength(rssi)
		}
		if ber, ok := q.BER(); ok {
			signal = signal.WithBER(ber)
		}
		d.state.setSignal(signal)
		return SignalStrengthUpdateNotification{Signal: signal}, true

	case q.IsFOTAValid():
		param, hasParam := q.FotaParameter()
		d.state.setFota(FotaProgress{Stage: q.FotaStage(), Parameter: param})
		return FotaProgressNotification{Stage: q.FotaStage(), Parameter: param, HasParameter: hasParam}, true
	}
	return nil, false
}
