package sys_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/phonecore/sys"
)

type ping struct{ N int }

type (
	askPeer   struct{}
	question  struct{}
	note      struct{}
	callAsync struct{ Target string }
)

func TestServiceLifecycle(t *testing.T) {
	t.Run("Start moves the service to active", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		rec := &recorder{}
		svc, _ := newTestService("svc", rec)

		assert.Equal(t, sys.StateIdle, svc.State())
		startService(t, bus, port, svc)
		assert.Equal(t, sys.StateActive, svc.State())
		assert.Equal(t, []string{"init:svc"}, rec.list())

		resp, err := port.Request(testContext(t), sys.KindSystem, sys.StartRequest{}, "svc")
		require.NoError(t, err)
		assert.Equal(t, sys.ReturnFailure, resp.Code, "second start must be refused")
	})

	t.Run("Init failure destroys the service", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		svc, h := newTestService("svc", &recorder{})
		h.initCode = sys.ReturnFailure

		require.NoError(t, svc.Run(context.Background(), bus))
		resp, err := port.Request(testContext(t), sys.KindSystem, sys.StartRequest{}, "svc")
		require.NoError(t, err)
		assert.ErrorIs(t, resp.AsError(), sys.ErrInitFailed)

		select {
		case <-svc.Done():
		case <-time.After(time.Second):
			t.Fatal("service goroutine did not exit")
		}
		assert.Equal(t, sys.StateDestroyed, svc.State())
		assert.False(t, bus.Lookup("svc"))
		assert.ErrorIs(t, svc.Run(context.Background(), bus), sys.ErrServiceClosed)
	})

	t.Run("Run twice", func(t *testing.T) {
		bus := sys.NewBus()
		svc, _ := newTestService("svc", &recorder{})
		require.NoError(t, svc.Run(context.Background(), bus))
		assert.ErrorIs(t, svc.Run(context.Background(), bus), sys.ErrAlreadyRunning)
	})

	t.Run("Power modes", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		svc, h := newTestService("svc", &recorder{})
		h.refuse[sys.PowerSuspendToNVM] = true
		startService(t, bus, port, svc)

		resp, err := port.Request(testContext(t), sys.KindSystem, sys.PowerModeRequest{Mode: sys.PowerSuspendToRAM}, "svc")
		require.NoError(t, err)
		require.NoError(t, resp.AsError())
		assert.Equal(t, sys.StateSuspended, svc.State())

		resp, err = port.Request(testContext(t), sys.KindSystem, sys.PowerModeRequest{Mode: sys.PowerSuspendToNVM}, "svc")
		require.NoError(t, err)
		assert.ErrorIs(t, resp.AsError(), sys.ErrPowerModeRejected)
		assert.Equal(t, sys.StateSuspended, svc.State())

		resp, err = port.Request(testContext(t), sys.KindSystem, sys.PowerModeRequest{Mode: sys.PowerActive}, "svc")
		require.NoError(t, err)
		require.NoError(t, resp.AsError())
		assert.Equal(t, sys.StateActive, svc.State())
	})

	t.Run("Close waits until the service is closeable", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		rec := &recorder{}
		svc, h := newTestService("svc", rec)
		h.closeable.Store(false)
		startService(t, bus, port, svc)

		ctx := testContext(t)
		closed := make(chan error, 1)
		go func() {
			resp, err := port.Request(ctx, sys.KindSystem, sys.CloseRequest{}, "svc")
			if err == nil {
				err = resp.AsError()
			}
			closed <- err
		}()

		require.Eventually(t, func() bool { return svc.State() == sys.StateClosing }, time.Second, 5*time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		assert.Equal(t, sys.StateClosing, svc.State())
		assert.NotContains(t, rec.list(), "deinit:svc")

		h.closeable.Store(true)
		select {
		case err := <-closed:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("close was not answered")
		}
		<-svc.Done()
		assert.Equal(t, sys.StateDestroyed, svc.State())
		assert.Equal(t, []string{"init:svc", "deinit:svc"}, rec.list())
		assert.False(t, bus.Lookup("svc"))
	})
}

func TestServiceMessages(t *testing.T) {
	t.Run("Connected handler answers typed requests", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		svc, _ := newTestService("svc", &recorder{})
		sys.Connect(svc, func(p ping, _ *sys.Message) *sys.ResponseMessage {
			return sys.Reply(p.N + 1)
		})
		startService(t, bus, port, svc)

		resp, err := port.Call(testContext(t), ping{N: 1}, "svc")
		require.NoError(t, err)
		require.NoError(t, resp.AsError())
		assert.Equal(t, 2, resp.Payload)
	})

	t.Run("Unhandled messages are reported, not failed", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		svc, _ := newTestService("svc", &recorder{})
		startService(t, bus, port, svc)

		resp, err := port.Call(testContext(t), "what", "svc")
		require.NoError(t, err)
		assert.Equal(t, sys.ReturnUnresolved, resp.Code)
	})

	t.Run("Sync call defers unrelated messages", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		rec := &recorder{}

		a, _ := newTestService("a", rec)
		b, _ := newTestService("b", rec)

		sys.Connect(a, func(askPeer, *sys.Message) *sys.ResponseMessage {
			resp, err := a.SendUnicastSync(question{}, "b", time.Second)
			if err != nil {
				return sys.Fail(err)
			}
			rec.add("answer:" + resp.Payload.(string))
			return sys.MsgHandled()
		})
		sys.Connect(a, func(note, *sys.Message) *sys.ResponseMessage {
			rec.add("note")
			return nil
		})
		sys.Connect(b, func(question, *sys.Message) *sys.ResponseMessage {
			b.SendUnicast(note{}, "a")
			return sys.Reply("42")
		})
		startService(t, bus, port, a)
		startService(t, bus, port, b)

		resp, err := port.Call(testContext(t), askPeer{}, "a")
		require.NoError(t, err)
		require.NoError(t, resp.AsError())

		require.Eventually(t, func() bool { return len(rec.list()) == 4 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"init:a", "init:b", "answer:42", "note"}, rec.list())
	})

	t.Run("Sync call times out", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		a, _ := newTestService("a", &recorder{})
		b, _ := newTestService("b", &recorder{})

		sys.Connect(a, func(askPeer, *sys.Message) *sys.ResponseMessage {
			_, err := a.SendUnicastSync(question{}, "b", 50*time.Millisecond)
			return sys.Fail(err)
		})
		sys.Connect(b, func(question, *sys.Message) *sys.ResponseMessage {
			// No answer.
			return nil
		})
		startService(t, bus, port, a)
		startService(t, bus, port, b)

		resp, err := port.Call(testContext(t), askPeer{}, "a")
		require.NoError(t, err)
		assert.ErrorIs(t, resp.AsError(), sys.ErrTimeout)
	})

	t.Run("Async call delivers the response on the owner", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		a, _ := newTestService("a", &recorder{})
		b, _ := newTestService("b", &recorder{})
		silent, _ := newTestService("silent", &recorder{})

		results := make(chan error, 2)
		sys.Connect(a, func(c callAsync, _ *sys.Message) *sys.ResponseMessage {
			sent := a.AsyncCall(question{}, c.Target, 100*time.Millisecond, func(resp *sys.ResponseMessage, err error) {
				if err == nil {
					err = resp.AsError()
				}
				results <- err
			})
			if !sent {
				return sys.Fail(errors.New("not sent"))
			}
			return sys.MsgHandled()
		})
		sys.Connect(b, func(question, *sys.Message) *sys.ResponseMessage {
			return sys.MsgHandled()
		})
		sys.Connect(silent, func(question, *sys.Message) *sys.ResponseMessage {
			return nil
		})
		for _, svc := range []*sys.Service{a, b, silent} {
			startService(t, bus, port, svc)
		}

		_, err := port.Call(testContext(t), callAsync{Target: "b"}, "a")
		require.NoError(t, err)
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("no async response")
		}

		_, err = port.Call(testContext(t), callAsync{Target: "silent"}, "a")
		require.NoError(t, err)
		select {
		case err := <-results:
			assert.ErrorIs(t, err, sys.ErrTimeout)
		case <-time.After(time.Second):
			t.Fatal("no async timeout")
		}
	})

	t.Run("Call checks the payload type", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		a, _ := newTestService("a", &recorder{})
		b, _ := newTestService("b", &recorder{})

		errs := make(chan error, 1)
		sys.Connect(a, func(askPeer, *sys.Message) *sys.ResponseMessage {
			_, err := sys.Call[int](a, question{}, "b", time.Second)
			errs <- err
			return sys.MsgHandled()
		})
		sys.Connect(b, func(question, *sys.Message) *sys.ResponseMessage {
			return sys.Reply("not an int")
		})
		startService(t, bus, port, a)
		startService(t, bus, port, b)

		_, err := port.Call(testContext(t), askPeer{}, "a")
		require.NoError(t, err)
		assert.ErrorIs(t, <-errs, sys.ErrUnexpectedResponse)
	})

	t.Run("Query goes to the database service", func(t *testing.T) {
		bus := sys.NewBus()
		port := newPort(t, bus, "port")
		a, _ := newTestService("a", &recorder{})
		db, _ := newTestService(sys.ServiceDB, &recorder{})

		results := make(chan *sys.QueryResult, 1)
		sys.Connect(a, func(askPeer, *sys.Message) *sys.ResponseMessage {
			res, err := a.Query(sys.Query{Table: "events", Op: "count"}, time.Second)
			if err != nil {
				return sys.Fail(err)
			}
			results <- res
			return sys.MsgHandled()
		})
		sys.Connect(db, func(q sys.Query, _ *sys.Message) *sys.ResponseMessage {
			return sys.Reply(&sys.QueryResult{Affected: len(q.Table)})
		})
		startService(t, bus, port, a)
		startService(t, bus, port, db)

		resp, err := port.Call(testContext(t), askPeer{}, "a")
		require.NoError(t, err)
		require.NoError(t, resp.AsError())
		assert.Equal(t, 6, (<-results).Affected)
	})
}
