package at

import (
	"strings"
)

// URC is a classified unsolicited result code.
type URC interface {
	Header() string
}

// ParseURC recognizes the unsolicited lines this stack acts on. Lines of
// an unknown or malformed shape are reported as not recognized.
func ParseURC(line string) (URC, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == UrcCall:
		return Ring{}, true
	case strings.HasPrefix(line, UrcIndication):
		return Qind{tokens: SplitParams(line[len(UrcIndication):])}, true
	case strings.HasPrefix(line, UrcUssd):
		return parseCusd(line[len(UrcUssd):])
	case strings.HasPrefix(line, UrcNewMsg):
		return parseCmti(line[len(UrcNewMsg):])
	case strings.HasPrefix(line, UrcCallerID):
		return parseClip(line[len(UrcCallerID):])
	case strings.HasPrefix(line, UrcRegistration):
		return parseCreg(line[len(UrcRegistration):])
	}
	return nil, false
}

// RSSI and BER sentinels reported while the value is not detectable.
const (
	InvalidRSSILow  = 99
	InvalidRSSIHigh = 199
	InvalidBER      = 99
)

// FOTA stages reported by +QIND: "FOTA".
const (
	FotaHTTPStart = "HTTPSTART"
	FotaHTTPEnd   = "HTTPEND"
	FotaStart     = "START"
	FotaUpdating  = "UPDATING"
	FotaEnd       = "END"
)

// Qind is a Quectel +QIND indication, e.g. +QIND: "csq",20,99 or
// +QIND: "FOTA","UPDATING",45.
type Qind struct {
	tokens []string
}

func (Qind) Header() string { return UrcIndication }

func (q Qind) kind() string {
	if len(q.tokens) == 0 {
		return ""
	}
	return strings.ToLower(q.tokens[0])
}

func (q Qind) IsCSQ() bool {
	return len(q.tokens) == 3 && q.kind() == "csq"
}

func (q Qind) IsFOTA() bool {
	return len(q.tokens) >= 2 && q.kind() == "fota"
}

// IsFOTAValid checks that the stage is known and carries the parameter
// count that stage requires.
func (q Qind) IsFOTAValid() bool {
	if !q.IsFOTA() {
		return false
	}
	switch q.FotaStage() {
	case FotaHTTPStart, FotaStart:
		return len(q.tokens) == 2
	case FotaHTTPEnd, FotaEnd, FotaUpdating:
		if len(q.tokens) != 3 {
			return false
		}
		_, ok := atoi(q.tokens[2])
		return ok
	}
	return false
}

func (q Qind) FotaStage() string {
	if !q.IsFOTA() {
		return ""
	}
	return strings.ToUpper(q.tokens[1])
}

// FotaParameter is the progress percentage for UPDATING and the error
// code for HTTPEND/END.
func (q Qind) FotaParameter() (int, bool) {
	if !q.IsFOTAValid() || len(q.tokens) != 3 {
		return 0, false
	}
	return atoi(q.tokens[2])
}

// RSSI is absent for the 99/199 sentinels and for out-of-range values.
func (q Qind) RSSI() (int, bool) {
	if !q.IsCSQ() {
		return 0, false
	}
	v, ok := atoi(q.tokens[1])
	if !ok || v == InvalidRSSILow || v == InvalidRSSIHigh {
		return 0, false
	}
	if (v < 0 || v > 31) && (v < 100 || v > 191) {
		return 0, false
	}
	return v, true
}

func (q Qind) BER() (int, bool) {
	if !q.IsCSQ() {
		return 0, false
	}
	v, ok := atoi(q.tokens[2])
	if !ok || v == InvalidBER || v < 0 || v > 7 {
		return 0, false
	}
	return v, true
}

// UssdStatus is the <m> field of +CUSD.
type UssdStatus int

const (
	UssdNoFurtherAction UssdStatus = iota
	UssdFurtherAction
	UssdTerminated
	UssdOtherClient
	UssdNotSupported
	UssdNetworkTimeout
)

// Cusd is a USSD network answer: +CUSD: <m>[,<str>[,<dcs>]].
type Cusd struct {
	Status  UssdStatus
	Message string
	DCS     int
}

func (Cusd) Header() string { return UrcUssd }

// ActionNeeded reports whether the network expects a reply.
func (c Cusd) ActionNeeded() bool { return c.Status == UssdFurtherAction }

func parseCusd(payload string) (URC, bool) {
	tokens := SplitParams(payload)
	if len(tokens) < 1 || len(tokens) > 3 {
		return nil, false
	}
	m, ok := atoi(tokens[0])
	if !ok || m < int(UssdNoFurtherAction) || m > int(UssdNetworkTimeout) {
		return nil, false
	}
	c := Cusd{Status: UssdStatus(m), DCS: -1}
	if len(tokens) >= 2 {
		c.Message = tokens[1]
	}
	if len(tokens) == 3 {
		if c.DCS, ok = atoi(tokens[2]); !ok {
			return nil, false
		}
	}
	return c, true
}

// Cmti announces a new SMS stored at Index in Storage.
type Cmti struct {
	Storage string
	Index   int
}

func (Cmti) Header() string { return UrcNewMsg }

func parseCmti(payload string) (URC, bool) {
	tokens := SplitParams(payload)
	if len(tokens) != 2 || tokens[0] == "" {
		return nil, false
	}
	idx, ok := atoi(tokens[1])
	if !ok || idx < 0 {
		return nil, false
	}
	return Cmti{Storage: tokens[0], Index: idx}, true
}

// Clip carries the calling line identity following RING.
type Clip struct {
	Number string
	Type   int
}

func (Clip) Header() string { return UrcCallerID }

func parseClip(payload string) (URC, bool) {
	tokens := SplitParams(payload)
	if len(tokens) < 2 {
		return nil, false
	}
	typ, ok := atoi(tokens[1])
	if !ok {
		return nil, false
	}
	return Clip{Number: tokens[0], Type: typ}, true
}

type Ring struct{}

func (Ring) Header() string { return UrcCall }

// Creg is a network registration change: +CREG: <stat>[,<lac>,<ci>].
// The query form with a leading <n> is accepted as well.
type Creg struct {
	Status RegStatus
	LAC    string
	CellID string
}

func (Creg) Header() string { return UrcRegistration }

func parseCreg(payload string) (URC, bool) {
	tokens := SplitParams(payload)
	var c Creg
	stat := ""
	switch len(tokens) {
	case 1:
		stat = tokens[0]
	case 2:
		stat = tokens[1]
	case 3:
		stat, c.LAC, c.CellID = tokens[0], tokens[1], tokens[2]
	case 4:
		stat, c.LAC, c.CellID = tokens[1], tokens[2], tokens[3]
	default:
		return nil, false
	}
	v, ok := atoi(stat)
	if !ok || v < int(RegNotRegistered) || v > int(RegRoaming) {
		return nil, false
	}
	c.Status = RegStatus(v)
	return c, true
}
