package at

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies the outcome of a command.
type Code int

const (
	CodeNone Code = iota
	CodeOK
	CodeError
	CodeCMEError
	CodeCMSError
	CodeTimeout
	CodeParsingError
	CodeTransmissionNotStarted
	CodeFrameError
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "NONE"
	case CodeOK:
		return "OK"
	case CodeError:
		return "ERROR"
	case CodeCMEError:
		return "CME_ERROR"
	case CodeCMSError:
		return "CMS_ERROR"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeParsingError:
		return "PARSING_ERROR"
	case CodeTransmissionNotStarted:
		return "TRANSMISSION_NOT_STARTED"
	case CodeFrameError:
		return "FRAME_ERROR"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Result is the raw answer to a Cmd. Response holds every line received
// before the final result code, prompts included.
type Result struct {
	Code     Code
	Response []string
	// Final is the terminating line, e.g. "OK" or "+CME ERROR: 10".
	Final string
	// ErrorDetail carries the text after +CME ERROR: / +CMS ERROR:.
	ErrorDetail string
	// Err is set when the command failed below the AT layer.
	Err error
}

// NewResult builds a Result from collected lines and the final line.
func NewResult(lines []string, final string) Result {
	r := Result{Response: lines, Final: final}
	switch {
	case final == OK, final == Prompt:
		r.Code = CodeOK
	case strings.HasPrefix(final, CmeError):
		r.Code = CodeCMEError
		r.ErrorDetail = strings.TrimSpace(strings.TrimPrefix(final, CmeError))
	case strings.HasPrefix(final, CmsError):
		r.Code = CodeCMSError
		r.ErrorDetail = strings.TrimSpace(strings.TrimPrefix(final, CmsError))
	default:
		r.Code = CodeError
	}
	return r
}

// Failed returns a Result carrying code and err with no response lines.
func Failed(code Code, err error) Result {
	return Result{Code: code, Err: err}
}

func (r Result) OK() bool {
	return r.Code == CodeOK
}

// AsError converts a failed Result into an error, nil when OK.
func (r Result) AsError() error {
	if r.Code == CodeOK {
		return nil
	}
	switch {
	case r.Err != nil:
		return fmt.Errorf("%s: %w", r.Code, r.Err)
	case r.Code == CodeParsingError:
		return fmt.Errorf("%s: unexpected response %q", r.Code, strings.Join(r.Response, "\n"))
	case r.Final != "":
		return errors.New(r.Final)
	default:
		return errors.New(r.Code.String())
	}
}

// Find returns the payload of the first line starting with header, with
// the header and surrounding whitespace removed.
func (r Result) Find(header string) (string, bool) {
	for _, line := range r.Response {
		if strings.HasPrefix(line, header) {
			return strings.TrimSpace(line[len(header):]), true
		}
	}
	return "", false
}

// HasPrompt reports whether the modem asked for SMS body input.
func (r Result) HasPrompt() bool {
	for _, line := range r.Response {
		if line == Prompt {
			return true
		}
	}
	return r.Final == Prompt
}

// String joins the response for logging.
func (r Result) String() string {
	lines := append([]string(nil), r.Response...)
	if r.Final != "" {
		lines = append(lines, r.Final)
	}
	return fmt.Sprintf("%s %q", r.Code, strings.Join(lines, "\n"))
}
