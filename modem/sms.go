package modem

import (
	"context"
	"fmt"

	"i4.energy/across/phonecore/at"
)

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string
	Time   string
	Text   string
}

// SendSMS sends a text message to the specified recipient and returns
// the network message reference.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+1234567890"). Consecutive sends are
// spaced by Config.MinSendInterval.
//
// This method blocks until the message is accepted by the network or an error
// occurs. Network delivery (to the final recipient) happens asynchronously.
func (m *Modem) SendSMS(ctx context.Context, recipient, message string) (int, error) {
	if err := m.smsLimiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("SMS rate limit: %w", err)
	}

	res := m.Exec(ctx, at.SendSMS(recipient))
	if !res.OK() {
		return 0, fmt.Errorf("AT+CMGS command failed: %w", res.AsError())
	}

	// Check if we got the prompt
	if !res.HasPrompt() {
		return 0, fmt.Errorf("%w, got: %s", ErrNoPrompt, res)
	}

	// Now send the message body and wait for confirmation
	sent := at.ParseCMGS(m.Exec(ctx, at.SMSBody(message)))
	if sent.Code != at.CodeOK {
		return 0, fmt.Errorf("SMS send failed: %w", sent.AsError())
	}

	m.log.Info("SMS sent", "recipient", recipient, "reference", sent.Reference)
	return sent.Reference, nil
}
