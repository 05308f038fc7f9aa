package modem_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/phonecore/at"
	"i4.energy/across/phonecore/modem"
)

// newMockModem builds a modem over a mocked transport; script registers
// the expected bring-up exchange.
func newMockModem(t *testing.T, script func(*modem.MockDialer, *modem.MockTransport), build func(*modem.ConfigBuilder)) (*modem.Modem, *modem.MockTransport, error) {
	t.Helper()
	ctrl := gomock.NewController(t)
	transport := modem.NewMockTransport(ctrl)
	dialer := modem.NewMockDialer(ctrl)
	script(dialer, transport)

	b := modem.NewConfigBuilder().WithDialer(dialer)
	if build != nil {
		build(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	m, err := modem.New(context.Background(), config)
	return m, transport, err
}

func TestModemNew(t *testing.T) {
	t.Run("Brings up a modem with a ready SIM", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		transport.EXPECT().Close().Return(nil)
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Enters the PIN and polls until the SIM is ready", func(t *testing.T) {
		m, transport, err := newMockModem(t, func(d *modem.MockDialer, tr *modem.MockTransport) {
			newMockScript(d, tr).
				bringUp(simPIN).
				exchange(`AT+CPIN="0000"`, okReply).
				exchange("AT+CPIN?", simReady).
				textMode().
				expect()
		}, func(b *modem.ConfigBuilder) {
			b.WithSimPIN("0000")
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		transport.EXPECT().Close().Return(nil)
		m.Close()
	})

	t.Run("Replays URCs received during bring-up", func(t *testing.T) {
		// +CMTI is unsolicited while AT+CPIN? is in flight; +CPIN: is the
		// command's own answer even though it looks the same.
		m, transport, err := newMockModem(t, func(d *modem.MockDialer, tr *modem.MockTransport) {
			newMockScript(d, tr).
				bringUp("\r\n+CMTI: \"SM\",3\r\n\r\n+CPIN: READY\r\n\r\nOK\r\n").
				textMode().
				expect()
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		transport.EXPECT().Close().Return(nil)
		defer m.Close()

		select {
		case urc := <-m.URC():
			if !strings.HasPrefix(urc, `+CMTI: "SM",3`) {
				t.Errorf("unexpected URC: %q", urc)
			}
		default:
			t.Fatal("URC received during bring-up was not kept")
		}
	})

	t.Run("Fails on SIM errors", func(t *testing.T) {
		tests := []struct {
			name    string
			cpin    string
			wantErr error
			wantMsg string
		}{
			{
				name:    "PIN required but not configured",
				cpin:    simPIN,
				wantErr: modem.ErrSIMPinRequired,
			},
			{
				name:    "CME error",
				cpin:    "\r\n+CME ERROR: SIM not inserted\r\n",
				wantMsg: "SIM not inserted",
			},
			{
				name:    "Unsupported state",
				cpin:    "\r\n+CPIN: SIM PUK\r\n\r\nOK\r\n",
				wantMsg: "unsupported SIM state",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m, _, err := newMockModem(t, func(d *modem.MockDialer, tr *modem.MockTransport) {
					newMockScript(d, tr).
						bringUp(tt.cpin).
						then(tr.EXPECT().Close().Return(nil)).
						expect()
				}, nil)
				if m != nil {
					t.Error("New() should return nil modem when error occurs")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got: %v", tt.wantErr, err)
				}
				if tt.wantMsg != "" && (err == nil || !strings.Contains(err.Error(), tt.wantMsg)) {
					t.Errorf("expected error containing %q, got: %v", tt.wantMsg, err)
				}
			})
		}
	})

	t.Run("Reports write failures before transmission", func(t *testing.T) {
		writeErr := errors.New("port gone")
		_, _, err := newMockModem(t, func(d *modem.MockDialer, tr *modem.MockTransport) {
			gomock.InOrder(
				d.EXPECT().Dial(gomock.Any()).Return(tr, nil),
				tr.EXPECT().Write([]byte("AT\r")).Return(0, writeErr),
				tr.EXPECT().Close().Return(nil),
			)
		}, nil)
		if !errors.Is(err, writeErr) {
			t.Errorf("expected write error to be wrapped, got: %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "modem not responding") {
			t.Errorf("expected wake-up failure, got: %v", err)
		}
	})

	t.Run("Dial failures", func(t *testing.T) {
		dialErr := errors.New("connection failed")
		tests := []struct {
			name    string
			dialErr error
			wantErr error
		}{
			{name: "Dialer error", dialErr: dialErr, wantErr: dialErr},
			{name: "Nil transport", wantErr: modem.ErrNotInitialized},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m, _, err := newMockModem(t, func(d *modem.MockDialer, _ *modem.MockTransport) {
					d.EXPECT().Dial(gomock.Any()).Return(nil, tt.dialErr)
				}, nil)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got: %v", tt.wantErr, err)
				}
				if m != nil {
					t.Error("New() should return nil modem on dial failure")
				}
			})
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})
}

func TestModemClose(t *testing.T) {
	t.Run("Commands fail fast after close", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		transport.EXPECT().Close().Return(nil)

		if err := m.Close(); err != nil {
			t.Fatalf("first close should succeed, got: %v", err)
		}
		if err := m.Close(); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}

		res := m.Exec(context.Background(), at.CmdSignalQuality)
		if res.Code != at.CodeTransmissionNotStarted || !errors.Is(res.Err, modem.ErrAlreadyClosed) {
			t.Errorf("expected TransmissionNotStarted/ErrAlreadyClosed, got %v / %v", res.Code, res.Err)
		}
	})

	t.Run("Returns the transport error", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		closeErr := errors.New("transport close failed")
		transport.EXPECT().Close().Return(closeErr)

		if err := m.Close(); !errors.Is(err, closeErr) {
			t.Errorf("expected transport error, got: %v", err)
		}
	})
}

func TestModemLoop(t *testing.T) {
	t.Run("Routes URCs and stops on EOF", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		allowEOF := make(chan struct{})
		gomock.InOrder(
			transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "\r\n+CREG: 1\r\n"), nil
			}),
			transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				<-allowEOF
				return 0, io.EOF
			}),
		)
		transport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(context.Background())
		}()

		select {
		case urc := <-m.URC():
			if urc != "+CREG: 1" {
				t.Errorf("unexpected URC: %q", urc)
			}
		case <-time.After(time.Second):
			t.Error("expected URC to be received within timeout")
		}

		close(allowEOF)
		if err := <-loopDone; !errors.Is(err, io.EOF) {
			t.Errorf("expected io.EOF, got: %v", err)
		}
	})

	t.Run("Times out a silent command", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		transport.EXPECT().Write([]byte("AT+CSQ\r")).Return(7, nil)
		transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			<-ctx.Done()
			return 0, io.EOF
		})
		transport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		res := m.Exec(context.Background(), at.CmdSignalQuality.WithTimeout(20*time.Millisecond))
		if res.Code != at.CodeTimeout {
			t.Errorf("expected TIMEOUT, got %v", res.Code)
		}
		if !errors.Is(res.Err, context.DeadlineExceeded) {
			t.Errorf("expected deadline error, got: %v", res.Err)
		}

		cancel()
		if err := <-loopDone; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
	})

	t.Run("Wraps read errors", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		readErr := errors.New("transport read error")
		transport.EXPECT().Read(gomock.Any()).Return(0, readErr)
		transport.EXPECT().Close().Return(nil)

		err = m.Loop(context.Background())
		if !errors.Is(err, readErr) || !strings.Contains(err.Error(), "scanner error") {
			t.Errorf("expected wrapped scanner error, got: %v", err)
		}
	})

	t.Run("ErrLoopRunning on consecutive calls", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// A read in progress means the first Loop is running.
		reading := make(chan struct{})
		var once sync.Once
		transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			once.Do(func() { close(reading) })
			<-ctx.Done()
			return 0, ctx.Err()
		}).AnyTimes()
		transport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()
		<-reading

		if err := m.Loop(ctx); !errors.Is(err, modem.ErrLoopRunning) {
			t.Errorf("expected ErrLoopRunning, got: %v", err)
		}

		cancel()
		<-loopDone
	})
}
