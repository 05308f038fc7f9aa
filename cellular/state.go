package cellular

import (
	"sync"
	"time"

	"i4.energy/across/phonecore/at"
)

// Signal bar thresholds in dBm, strongest first.
var barThresholds = []int{-77, -87, -97, -107}

// MaxBars is the bar count of the strongest signal.
const MaxBars = 4

// SignalStrength is a decoded RSSI/BER pair.
type SignalStrength struct {
	RSSI     int  `json:"rssi"`
	DBm      int  `json:"dbm"`
	Bars     int  `json:"bars"`
	BER      int  `json:"ber"`
	HasBER   bool `json:"has_ber"`
	Detected bool `json:"detected"`
}

// NewSignalStrength converts a reported RSSI. Values 0..31 are GSM
// steps of 2 dBm from -113; 100..191 are 1 dBm steps from -116.
// Anything else, including the 99/199 sentinels, is undetected.
func NewSignalStrength(rssi int) SignalStrength {
	s := SignalStrength{RSSI: rssi}
	switch {
	case rssi >= 0 && rssi <= 31:
		s.DBm = -113 + 2*rssi
	case rssi >= 100 && rssi <= 191:
		s.DBm = rssi - 216
	default:
		return s
	}
	s.Detected = true
	s.Bars = barsFor(s.DBm)
	return s
}

// WithBER returns s carrying a bit error rate.
func (s SignalStrength) WithBER(ber int) SignalStrength {
	s.BER, s.HasBER = ber, true
	return s
}

func barsFor(dbm int) int {
	for i, threshold := range barThresholds {
		if dbm >= threshold {
			return MaxBars - i
		}
	}
	return 0
}

// FotaProgress is the last firmware update indication.
type FotaProgress struct {
	Stage     string `json:"stage"`
	Parameter int    `json:"parameter"`
}

// Snapshot is a copy of the cellular state.
type Snapshot struct {
	Signal        SignalStrength   `json:"signal"`
	Registration  at.RegStatus     `json:"registration"`
	Operator      string           `json:"operator"`
	Functionality at.Functionality `json:"functionality"`
	UssdActive    bool             `json:"ussd_active"`
	Fota          FotaProgress     `json:"fota"`
	ModemReady    bool             `json:"modem_ready"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// State is the cellular state shared by the service that owns the modem
// and anyone holding a reference, e.g. the status server. Only the owner
// writes to it.
type State struct {
	mu sync.RWMutex
	s  Snapshot
}

func NewState() *State {
	return &State{s: Snapshot{Registration: at.RegUnknown}}
}

// Get returns a copy of the current state.
func (st *State) Get() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// update applies fn and reports whether it changed anything.
func (st *State) update(fn func(*Snapshot)) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	before := st.s
	fn(&st.s)
	if st.s == before {
		return false
	}
	st.s.UpdatedAt = time.Now()
	return true
}

func (st *State) setSignal(s SignalStrength) bool {
	return st.update(func(snap *Snapshot) { snap.Signal = s })
}

func (st *State) setRegistration(r at.RegStatus) bool {
	return st.update(func(snap *Snapshot) { snap.Registration = r })
}

func (st *State) setOperator(op string) bool {
	return st.update(func(snap *Snapshot) { snap.Operator = op })
}

func (st *State) setFunctionality(f at.Functionality) bool {
	return st.update(func(snap *Snapshot) { snap.Functionality = f })
}

func (st *State) setUssd(active bool) bool {
	return st.update(func(snap *Snapshot) { snap.UssdActive = active })
}

func (st *State) setFota(p FotaProgress) bool {
	return st.update(func(snap *Snapshot) { snap.Fota = p })
}

func (st *State) setModemReady(ready bool) bool {
	return st.update(func(snap *Snapshot) { snap.ModemReady = ready })
}
