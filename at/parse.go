package at

import (
	"strconv"
	"strings"
)

// Typed results. Each embeds the Result it was parsed from; on any shape
// violation Code is CodeParsingError and the typed fields are zero.

type CSQ struct {
	Result
	RSSI int
	BER  int
}

type CFUN struct {
	Result
	Functionality Functionality
}

// RegStatus is the <stat> field of +CREG.
type RegStatus int

const (
	RegNotRegistered RegStatus = iota
	RegHome
	RegSearching
	RegDenied
	RegUnknown
	RegRoaming
)

func (s RegStatus) Registered() bool {
	return s == RegHome || s == RegRoaming
}

func (s RegStatus) String() string {
	switch s {
	case RegNotRegistered:
		return "not-registered"
	case RegHome:
		return "home"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "denied"
	case RegRoaming:
		return "roaming"
	default:
		return "unknown"
	}
}

type CREG struct {
	Result
	Mode   int
	Status RegStatus
}

type CPIN struct {
	Result
	State string
}

type COPS struct {
	Result
	Mode     int
	Format   int
	Operator string
}

type CMGS struct {
	Result
	Reference int
}

// ParseCSQ parses "+CSQ: <rssi>,<ber>".
func ParseCSQ(r Result) CSQ {
	out := CSQ{Result: r}
	tokens, ok := headerTokens(&out.Result, "+CSQ:", 2)
	if !ok {
		return out
	}
	rssi, ok1 := atoi(tokens[0])
	ber, ok2 := atoi(tokens[1])
	if !ok1 || !ok2 || !validRSSI(rssi) || !validBER(ber) {
		out.Code = CodeParsingError
		return out
	}
	out.RSSI, out.BER = rssi, ber
	return out
}

// validRSSI accepts 0..31 and 99, plus 100..191 and 199 for TD-SCDMA.
func validRSSI(v int) bool {
	switch {
	case v >= 0 && v <= 31, v == InvalidRSSILow:
		return true
	case v >= 100 && v <= 191, v == InvalidRSSIHigh:
		return true
	}
	return false
}

func validBER(v int) bool {
	return (v >= 0 && v <= 7) || v == InvalidBER
}

// ParseCFUN parses "+CFUN: <fun>".
func ParseCFUN(r Result) CFUN {
	out := CFUN{Result: r}
	tokens, ok := headerTokens(&out.Result, "+CFUN:", 1)
	if !ok {
		return out
	}
	v, ok := atoi(tokens[0])
	if !ok || !Functionality(v).Valid() {
		out.Code = CodeParsingError
		return out
	}
	out.Functionality = Functionality(v)
	return out
}

// ParseCREG parses "+CREG: <n>,<stat>[,<lac>,<ci>[,<AcT>]]".
func ParseCREG(r Result) CREG {
	out := CREG{Result: r}
	if !precheck(&out.Result) {
		return out
	}
	payload, ok := out.Find("+CREG:")
	if !ok {
		out.Code = CodeParsingError
		return out
	}
	tokens := SplitParams(payload)
	if len(tokens) < 2 || len(tokens) > 5 {
		out.Code = CodeParsingError
		return out
	}
	mode, ok1 := atoi(tokens[0])
	stat, ok2 := atoi(tokens[1])
	if !ok1 || !ok2 || stat < 0 || stat > int(RegRoaming) {
		out.Code = CodeParsingError
		return out
	}
	out.Mode, out.Status = mode, RegStatus(stat)
	return out
}

// ParseCPIN parses "+CPIN: <code>".
func ParseCPIN(r Result) CPIN {
	out := CPIN{Result: r}
	tokens, ok := headerTokens(&out.Result, "+CPIN:", 1)
	if !ok {
		return out
	}
	if tokens[0] == "" {
		out.Code = CodeParsingError
		return out
	}
	out.State = tokens[0]
	return out
}

// ParseCOPS parses "+COPS: <mode>[,<format>,<oper>[,<AcT>]]".
func ParseCOPS(r Result) COPS {
	out := COPS{Result: r}
	if !precheck(&out.Result) {
		return out
	}
	payload, ok := out.Find("+COPS:")
	if !ok {
		out.Code = CodeParsingError
		return out
	}
	tokens := SplitParams(payload)
	if len(tokens) != 1 && len(tokens) != 3 && len(tokens) != 4 {
		out.Code = CodeParsingError
		return out
	}
	mode, ok := atoi(tokens[0])
	if !ok {
		out.Code = CodeParsingError
		return out
	}
	out.Mode = mode
	if len(tokens) >= 3 {
		format, ok := atoi(tokens[1])
		if !ok {
			out.Code = CodeParsingError
			out.Mode = 0
			return out
		}
		out.Format, out.Operator = format, tokens[2]
	}
	return out
}

// ParseCMGS parses "+CMGS: <mr>".
func ParseCMGS(r Result) CMGS {
	out := CMGS{Result: r}
	tokens, ok := headerTokens(&out.Result, "+CMGS:", 1)
	if !ok {
		return out
	}
	ref, ok := atoi(tokens[0])
	if !ok {
		out.Code = CodeParsingError
		return out
	}
	out.Reference = ref
	return out
}

// precheck rejects failed results and empty responses.
func precheck(r *Result) bool {
	if r.Code != CodeOK {
		return false
	}
	if len(r.Response) == 0 {
		r.Code = CodeParsingError
		return false
	}
	return true
}

// headerTokens locates header and splits its payload into exactly n tokens.
func headerTokens(r *Result, header string, n int) ([]string, bool) {
	if !precheck(r) {
		return nil, false
	}
	payload, ok := r.Find(header)
	if !ok {
		r.Code = CodeParsingError
		return nil, false
	}
	tokens := SplitParams(payload)
	if len(tokens) != n {
		r.Code = CodeParsingError
		return nil, false
	}
	return tokens, true
}

func atoi(s string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	return v, err == nil
}

// SplitParams splits a comma separated parameter list. Commas inside
// double quotes do not split and surrounding quotes are removed.
func SplitParams(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			tokens = append(tokens, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	tokens = append(tokens, strings.TrimSpace(current.String()))
	return tokens
}
