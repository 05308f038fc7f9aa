package modem_test

import (
	"slices"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/phonecore/modem"
)

const (
	simReady = "\r\n+CPIN: READY\r\n\r\nOK\r\n"
	simPIN   = "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n"
	okReply  = "\r\nOK\r\n"
)

// mockScript collects the Write/Read pairs a modem performs on a mocked
// transport during direct (pre-loop) exchanges.
type mockScript struct {
	transport *modem.MockTransport
	calls     []any
}

func newMockScript(dialer *modem.MockDialer, transport *modem.MockTransport) *mockScript {
	return &mockScript{
		transport: transport,
		calls:     []any{dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)},
	}
}

// exchange expects cmd to be written and answers it with reply in a
// single read.
func (s *mockScript) exchange(cmd, reply string) *mockScript {
	wire := []byte(cmd + "\r")
	s.calls = append(s.calls,
		s.transport.EXPECT().Write(wire).Return(len(wire), nil),
		s.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, reply), nil
		}),
	)
	return s
}

// bringUp scripts wake-up, echo off and verbose errors, then answers the
// SIM query with cpin.
func (s *mockScript) bringUp(cpin string) *mockScript {
	return s.
		exchange("AT", "AT\r\nOK\r\n").
		exchange("ATE0", "ATE0\r\nOK\r\n").
		exchange("AT+CMEE=2", okReply).
		exchange("AT+CPIN?", cpin)
}

func (s *mockScript) textMode() *mockScript {
	return s.exchange("AT+CMGF=1", okReply)
}

func (s *mockScript) then(calls ...any) *mockScript {
	s.calls = append(s.calls, calls...)
	return s
}

// expect registers the script as a strict sequence.
func (s *mockScript) expect() {
	gomock.InOrder(slices.Clone(s.calls)...)
}

// expectReady scripts the bring-up of a modem whose SIM is ready.
func expectReady(dialer *modem.MockDialer, transport *modem.MockTransport) {
	newMockScript(dialer, transport).bringUp(simReady).textMode().expect()
}
