package modem

import (
	"context"
	"time"

	"i4.energy/across/phonecore/at"
)

// RetryPolicy is the timeout escalation applied uniformly to commands
// that did not get an answer. Only CodeTimeout and
// CodeTransmissionNotStarted are retried: a modem that answered ERROR
// has made its decision and parse failures are the caller's business.
type RetryPolicy struct {
	// MaxAttempts includes the first try; values below 1 mean 1.
	MaxAttempts int
	// TimeoutMultiplier scales the command timeout after each timeout.
	TimeoutMultiplier float64
	// MaxTimeout caps the escalated timeout.
	MaxTimeout time.Duration
	// Backoff is the pause between attempts.
	Backoff time.Duration
}

// DefaultRetryPolicy doubles the timeout on each of up to three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		TimeoutMultiplier: 2.0,
		MaxTimeout:        30 * time.Second,
		Backoff:           100 * time.Millisecond,
	}
}

// Retryable reports whether the policy retries a result with code c.
func Retryable(c at.Code) bool {
	return c == at.CodeTimeout || c == at.CodeTransmissionNotStarted
}

// Exec runs cmd on e, escalating the timeout on each unanswered attempt.
// The last result is returned whatever its code.
func (p RetryPolicy) Exec(ctx context.Context, e Executor, cmd at.Cmd) at.Result {
	attempts := max(p.MaxAttempts, 1)
	multiplier := p.TimeoutMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	var res at.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res = e.Exec(ctx, cmd)
		if !Retryable(res.Code) || attempt == attempts {
			return res
		}
		if ctx.Err() != nil {
			return res
		}

		next := time.Duration(float64(cmd.Timeout()) * multiplier)
		if p.MaxTimeout > 0 && next > p.MaxTimeout {
			next = p.MaxTimeout
		}
		cmd = cmd.WithTimeout(next)

		if p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res
			case <-timer.C:
			}
		}
	}
	return res
}
