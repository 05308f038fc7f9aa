package sys_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"i4.energy/across/phonecore/sys"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type testHandler struct {
	sys.HandlerDefaults
	name      string
	rec       *recorder
	initCode  sys.ReturnCode
	refuse    map[sys.PowerMode]bool
	closeable atomic.Bool
	// hold, when set, is sent to on entering a power switch and then
	// received from before the switch completes.
	hold chan struct{}
}

func (h *testHandler) InitHandler(context.Context) sys.ReturnCode {
	h.rec.add("init:" + h.name)
	return h.initCode
}

func (h *testHandler) DeinitHandler() sys.ReturnCode {
	h.rec.add("deinit:" + h.name)
	return sys.ReturnSuccess
}

func (h *testHandler) SwitchPowerModeHandler(mode sys.PowerMode) sys.ReturnCode {
	if h.hold != nil {
		h.hold <- struct{}{}
		<-h.hold
	}
	if h.refuse[mode] {
		return sys.ReturnFailure
	}
	h.rec.add(h.name + ":" + mode.String())
	return sys.ReturnSuccess
}

func (h *testHandler) Closeable() bool {
	return h.closeable.Load()
}

func newTestService(name string, rec *recorder) (*sys.Service, *testHandler) {
	h := &testHandler{name: name, rec: rec, refuse: map[sys.PowerMode]bool{}}
	h.closeable.Store(true)
	return sys.NewService(name, h), h
}

func newPort(t *testing.T, bus *sys.Bus, name string) *sys.Port {
	t.Helper()
	p, err := sys.NewPort(bus, name, 0)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// startService runs svc on bus and sends it a StartRequest.
func startService(t *testing.T, bus *sys.Bus, port *sys.Port, svc *sys.Service) {
	t.Helper()
	require.NoError(t, svc.Run(context.Background(), bus))
	resp, err := port.Request(testContext(t), sys.KindSystem, sys.StartRequest{}, svc.Name())
	require.NoError(t, err)
	require.NoError(t, resp.AsError())
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireViolation(t *testing.T, fn func()) *sys.ContractViolation {
	t.Helper()
	var violation *sys.ContractViolation
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a contract violation")
			v, ok := r.(*sys.ContractViolation)
			require.True(t, ok, "unexpected panic value %v", r)
			violation = v
		}()
		fn()
	}()
	return violation
}
