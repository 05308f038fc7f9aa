package at

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout is how long the channel layer waits for a final result
// unless a command overrides it.
const DefaultTimeout = 300 * time.Millisecond

// Modifier selects how a command head is combined with its body.
type Modifier int

const (
	ModNone Modifier = iota // AT+CSQ
	ModGet                  // AT+CFUN?
	ModSet                  // AT+CFUN=1
)

func (m Modifier) String() string {
	switch m {
	case ModNone:
		return "none"
	case ModGet:
		return "get"
	case ModSet:
		return "set"
	default:
		return fmt.Sprintf("Modifier(%d)", int(m))
	}
}

// Cmd describes a single AT command. Values are immutable; the builder
// methods return modified copies.
type Cmd struct {
	head    string
	mod     Modifier
	body    string
	timeout time.Duration
	// raw commands are written verbatim without a trailing CR (SMS body).
	raw bool
}

// NewCmd returns a command with no modifier and the default timeout.
func NewCmd(head string) Cmd {
	return Cmd{head: head, timeout: DefaultTimeout}
}

// Raw returns a command whose text is written to the modem as-is.
func Raw(text string, timeout time.Duration) Cmd {
	return Cmd{head: text, timeout: timeout, raw: true}
}

func (c Cmd) Get() Cmd {
	c.mod = ModGet
	c.body = ""
	return c
}

func (c Cmd) Set(body string) Cmd {
	c.mod = ModSet
	c.body = body
	return c
}

func (c Cmd) WithTimeout(d time.Duration) Cmd {
	c.timeout = d
	return c
}

func (c Cmd) setQuoted(s string) Cmd {
	return c.Set(`"` + s + `"`)
}

func (c Cmd) Head() string           { return c.head }
func (c Cmd) Modifier() Modifier     { return c.mod }
func (c Cmd) Body() string           { return c.body }
func (c Cmd) Timeout() time.Duration { return c.timeout }
func (c Cmd) IsRaw() bool            { return c.raw }

// ResponseHeader is the prefix of the information line answering c,
// e.g. "+CSQ:" for AT+CSQ.
func (c Cmd) ResponseHeader() string { return responseHeader(c.head) }

// String composes the command text: head, head+"?" or head+"="+body.
func (c Cmd) String() string {
	switch c.mod {
	case ModGet:
		return c.head + "?"
	case ModSet:
		return c.head + "=" + c.body
	default:
		return c.head
	}
}

// Wire returns the bytes written to the modem.
func (c Cmd) Wire() []byte {
	if c.raw {
		return []byte(c.head)
	}
	return []byte(c.String() + CR)
}

// responseHeader maps "AT+CSQ" to "+CSQ:" and "ATI" to "".
func responseHeader(head string) string {
	if !strings.HasPrefix(head, "AT+") {
		return ""
	}
	return "+" + strings.TrimPrefix(head, "AT+") + ":"
}

// Functionality is the phone functionality level of AT+CFUN.
type Functionality int

const (
	FunctionalityMinimum   Functionality = 0
	FunctionalityFull      Functionality = 1
	FunctionalityDisableRF Functionality = 4
)

func (f Functionality) Valid() bool {
	switch f {
	case FunctionalityMinimum, FunctionalityFull, FunctionalityDisableRF:
		return true
	}
	return false
}

func (f Functionality) String() string {
	switch f {
	case FunctionalityMinimum:
		return "minimum"
	case FunctionalityFull:
		return "full"
	case FunctionalityDisableRF:
		return "disable-rf"
	default:
		return fmt.Sprintf("Functionality(%d)", int(f))
	}
}

// Command catalogue.
var (
	CmdAt               = NewCmd("AT")
	CmdEchoOff          = NewCmd("ATE0")
	CmdVerboseErrors    = NewCmd("AT+CMEE").Set("2")
	CmdSimStatus        = NewCmd("AT+CPIN").Get().WithTimeout(5 * time.Second)
	CmdSetTextMode      = NewCmd("AT+CMGF").Set("1")
	CmdSignalQuality    = NewCmd("AT+CSQ")
	CmdRegistration     = NewCmd("AT+CREG").Get()
	CmdOperator         = NewCmd("AT+COPS").Get().WithTimeout(180 * time.Second)
	CmdFunctionality    = NewCmd("AT+CFUN").Get().WithTimeout(17 * time.Second)
	CmdCallerID         = NewCmd("AT+CLIP").Set("1")
	CmdCancelUssd       = NewCmd("AT+CUSD").Set("2").WithTimeout(3 * time.Second)
	CmdNewMsgIndication = NewCmd("AT+CNMI").Set("2,1,0,0,0")
)

// EnterPIN unlocks the SIM.
func EnterPIN(pin string) Cmd {
	return NewCmd("AT+CPIN").setQuoted(pin).WithTimeout(5 * time.Second)
}

// SetFunctionality switches the modem functionality level. CFUN can take
// up to 15 s on Quectel modules so it carries its own timeout.
func SetFunctionality(f Functionality) Cmd {
	return NewCmd("AT+CFUN").Set(fmt.Sprint(int(f))).WithTimeout(17 * time.Second)
}

// EnableCSQIndication asks the modem to report signal changes as +QIND.
func EnableCSQIndication(enable bool) Cmd {
	v := 0
	if enable {
		v = 1
	}
	return NewCmd("AT+QINDCFG").Set(fmt.Sprintf(`"csq",%d`, v))
}

// Ussd starts a USSD session. The answer arrives as a +CUSD URC.
func Ussd(code string) Cmd {
	return NewCmd("AT+CUSD").Set(fmt.Sprintf(`1,"%s",15`, code)).WithTimeout(3 * time.Second)
}

// Mux enables basic-option 27.010 multiplexing with frame size n1.
func Mux(n1 int) Cmd {
	return NewCmd("AT+CMUX").Set(fmt.Sprintf("0,0,5,%d", n1)).WithTimeout(time.Second)
}

// SendSMS starts a text-mode submit; the modem answers with the prompt.
func SendSMS(recipient string) Cmd {
	return NewCmd("AT+CMGS").setQuoted(recipient).WithTimeout(5 * time.Second)
}

// SMSBody is the text written after the prompt, terminated by Ctrl-Z.
func SMSBody(text string) Cmd {
	return Raw(text+CtrlZ, 120*time.Second)
}
