package modem_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"
	"i4.energy/across/phonecore/modem"
)

func TestSendSMS(t *testing.T) {
	// SendSMS is a two step exchange:
	//
	//  1. Write AT+CMGS="<recipient>"\r, read the "> " prompt
	//  2. Write "<text>\x1a", read "+CMGS: <ref>" and the final result
	//
	// Each read below is released only by the write it answers, so the
	// loop's reader goroutine cannot deliver a reply before its command.
	tests := []struct {
		name        string
		promptReply string
		// bodyReply is empty when the body must never be written.
		bodyReply string
		wantRef   int
		wantErr   error
		wantMsg   string
	}{
		{
			name:        "Returns the message reference",
			promptReply: "\r\n> ",
			bodyReply:   "\r\n+CMGS: 123\r\n\r\nOK\r\n",
			wantRef:     123,
		},
		{
			name:        "Fails when the recipient is refused",
			promptReply: "\r\n+CMS ERROR: 304\r\n",
			wantMsg:     "+CMS ERROR: 304",
		},
		{
			name:        "Fails without an input prompt",
			promptReply: "\r\nOK\r\n",
			wantErr:     modem.ErrNoPrompt,
		},
		{
			name:        "Wraps a network rejection",
			promptReply: "\r\n> ",
			bodyReply:   "\r\n+CMS ERROR: 500\r\n",
			wantMsg:     "+CMS ERROR: 500",
		},
		{
			name:        "Rejects a malformed reference",
			promptReply: "\r\n> ",
			bodyReply:   "\r\n+CMGS: x\r\n\r\nOK\r\n",
			wantMsg:     "SMS send failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, transport, err := newMockModem(t, expectReady, nil)
			if err != nil {
				t.Fatalf("failed to create modem: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			commandWritten := make(chan struct{})
			bodyWritten := make(chan struct{})
			allowEOF := make(chan struct{})

			transport.EXPECT().Write([]byte(`AT+CMGS="+1234567890"` + "\r")).DoAndReturn(func(p []byte) (int, error) {
				close(commandWritten)
				return len(p), nil
			})
			reads := []any{
				transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
					<-commandWritten
					return copy(p, tt.promptReply), nil
				}),
			}
			if tt.bodyReply != "" {
				transport.EXPECT().Write([]byte("Hello World\x1a")).DoAndReturn(func(p []byte) (int, error) {
					close(bodyWritten)
					return len(p), nil
				})
				reads = append(reads, transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
					<-bodyWritten
					return copy(p, tt.bodyReply), nil
				}))
			}
			reads = append(reads, transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				<-allowEOF
				return 0, io.EOF
			}))
			gomock.InOrder(reads...)
			transport.EXPECT().Close().Return(nil)

			loopDone := make(chan error, 1)
			go func() {
				loopDone <- m.Loop(ctx)
			}()

			ref, err := m.SendSMS(ctx, "+1234567890", "Hello World")
			close(allowEOF)
			<-loopDone
			m.Close()

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got: %v", tt.wantErr, err)
				}
			case tt.wantMsg != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
					t.Errorf("expected error containing %q, got: %v", tt.wantMsg, err)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if ref != tt.wantRef {
					t.Errorf("expected reference %d, got %d", tt.wantRef, ref)
				}
			}
		})
	}

	t.Run("Error on closed modem", func(t *testing.T) {
		m, transport, err := newMockModem(t, expectReady, nil)
		if err != nil {
			t.Fatalf("modem creation failed: %v", err)
		}
		transport.EXPECT().Close().Return(nil)
		m.Close()

		_, err = m.SendSMS(context.Background(), "+1234567890", "test")
		if !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed, got: %v", err)
		}
	})
}
