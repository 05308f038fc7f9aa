package modem_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"i4.energy/across/phonecore/at"
	"i4.energy/across/phonecore/modem"
)

func startChannel(t *testing.T, queueTimeout time.Duration) (*modem.TestTransport, *modem.Channel, chan string, chan error) {
	t.Helper()
	tt := modem.NewTestTransport()
	urc := make(chan string, 8)
	ch := modem.NewChannel("test", tt, urc, queueTimeout, nil)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- ch.Loop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		tt.Close()
	})
	return tt, ch, urc, loopDone
}

func waitWritten(t *testing.T, tt *modem.TestTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(tt.Written()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d writes, got %v", n, tt.Written())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChannelExec(t *testing.T) {
	t.Run("Collects data lines until the final result", func(t *testing.T) {
		tt, ch, _, _ := startChannel(t, time.Second)
		tt.Respond("AT+CSQ", "\r\n+CSQ: 20,99\r\n\r\nOK\r\n")

		csq := at.ParseCSQ(ch.Exec(context.Background(), at.CmdSignalQuality))
		if csq.Code != at.CodeOK {
			t.Fatalf("expected OK, got %v", csq.Result)
		}
		if csq.RSSI != 20 || csq.BER != 99 {
			t.Errorf("unexpected CSQ: %+v", csq)
		}
	})

	t.Run("Error result carries the CME detail", func(t *testing.T) {
		tt, ch, _, _ := startChannel(t, time.Second)
		tt.Respond("AT+COPS?", "\r\n+CME ERROR: 10\r\n")

		res := ch.Exec(context.Background(), at.CmdOperator)
		if res.Code != at.CodeCMEError {
			t.Fatalf("expected CME_ERROR, got %v", res.Code)
		}
		if res.ErrorDetail != "10" {
			t.Errorf("expected detail 10, got %q", res.ErrorDetail)
		}
	})

	t.Run("Silent modem yields a timeout", func(t *testing.T) {
		_, ch, _, _ := startChannel(t, time.Second)

		start := time.Now()
		res := ch.Exec(context.Background(), at.CmdAt.WithTimeout(50*time.Millisecond))
		if res.Code != at.CodeTimeout {
			t.Fatalf("expected TIMEOUT, got %v", res.Code)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("timeout took too long: %v", elapsed)
		}
	})

	t.Run("Busy channel rejects before transmission", func(t *testing.T) {
		tt, ch, _, _ := startChannel(t, 50*time.Millisecond)

		first := make(chan at.Result, 1)
		go func() {
			first <- ch.Exec(context.Background(), at.CmdAt.WithTimeout(500*time.Millisecond))
		}()
		waitWritten(t, tt, 1)

		res := ch.Exec(context.Background(), at.CmdSignalQuality)
		if res.Code != at.CodeTransmissionNotStarted {
			t.Errorf("expected TRANSMISSION_NOT_STARTED, got %v", res.Code)
		}
		if got := tt.Written(); len(got) != 1 {
			t.Errorf("second command must not be written, got %v", got)
		}

		tt.SendData("\r\nOK\r\n")
		if res := <-first; !res.OK() {
			t.Errorf("expected first command OK, got %v", res)
		}
	})

	t.Run("Unsolicited line during a command goes to the URC channel", func(t *testing.T) {
		tt, ch, urc, _ := startChannel(t, time.Second)
		tt.Respond("AT", "\r\nRING\r\n\r\nOK\r\n")

		res := ch.Exec(context.Background(), at.CmdAt)
		if !res.OK() {
			t.Fatalf("expected OK, got %v", res)
		}
		if len(res.Response) != 0 {
			t.Errorf("URC leaked into response: %v", res.Response)
		}
		select {
		case line := <-urc:
			if line != "RING" {
				t.Errorf("expected RING, got %q", line)
			}
		case <-time.After(time.Second):
			t.Error("expected URC")
		}
	})

	t.Run("In-flight header is treated as data", func(t *testing.T) {
		tt, ch, urc, _ := startChannel(t, time.Second)
		tt.Respond("AT+CLIP?", "\r\n+CLIP: 1,1\r\n\r\nOK\r\n")

		res := ch.Exec(context.Background(), at.NewCmd("AT+CLIP").Get())
		line, ok := res.Find(at.UrcCallerID)
		if !ok {
			t.Fatalf("expected +CLIP line in response, got %v", res.Response)
		}
		if line != "1,1" {
			t.Errorf("unexpected payload %q", line)
		}
		select {
		case got := <-urc:
			t.Errorf("unexpected URC %q", got)
		default:
		}
	})

	t.Run("Prompt completes the command", func(t *testing.T) {
		tt, ch, _, _ := startChannel(t, time.Second)
		tt.Respond(`AT+CMGS="+1234"`, "\r\n> ")

		res := ch.Exec(context.Background(), at.SendSMS("+1234"))
		if !res.OK() || !res.HasPrompt() {
			t.Errorf("expected prompt, got %v", res)
		}
	})

	t.Run("Cancelled context before sending", func(t *testing.T) {
		tt, ch, _, _ := startChannel(t, time.Second)

		busy := make(chan at.Result, 1)
		go func() {
			busy <- ch.Exec(context.Background(), at.CmdAt.WithTimeout(200*time.Millisecond))
		}()
		waitWritten(t, tt, 1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := ch.Exec(ctx, at.CmdSignalQuality)
		if res.Code != at.CodeTransmissionNotStarted {
			t.Errorf("expected TRANSMISSION_NOT_STARTED, got %v", res.Code)
		}
		<-busy
	})
}

func TestChannelLoop(t *testing.T) {
	t.Run("Returns EOF when the stream ends", func(t *testing.T) {
		tt, _, _, loopDone := startChannel(t, time.Second)
		tt.Close()

		select {
		case err := <-loopDone:
			if !errors.Is(err, io.EOF) {
				t.Errorf("expected io.EOF, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("loop did not stop")
		}
	})

	t.Run("ErrLoopRunning on second loop", func(t *testing.T) {
		tt, ch, _, _ := startChannel(t, time.Second)
		tt.Respond("AT", "\r\nOK\r\n")
		// A completed command proves the first loop is running.
		if res := ch.Exec(context.Background(), at.CmdAt); !res.OK() {
			t.Fatalf("expected OK, got %v", res)
		}
		if err := ch.Loop(context.Background()); !errors.Is(err, modem.ErrLoopRunning) {
			t.Errorf("expected ErrLoopRunning, got %v", err)
		}
	})
}
