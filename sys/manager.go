package sys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ManagerName is the bus name of the system manager.
const ManagerName = "SystemManager"

type managed struct {
	manifest Manifest
	svc      *Service
}

// ServiceStatus is a snapshot of one managed service.
type ServiceStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Priority int    `json:"priority"`
}

// Manager boots services in dependency order, switches power modes
// across all of them and shuts them down in reverse order. It talks to
// services only through lifecycle messages.
type Manager struct {
	bus  *Bus
	port *Port
	log  *slog.Logger

	// opMu serializes Boot, SetPowerMode and Shutdown. mu guards the
	// fields below and is never held across a bus request.
	opMu     sync.Mutex
	mu       sync.Mutex
	services []*managed
	mode     PowerMode

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// NewManager registers the manager on bus.
func NewManager(bus *Bus, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	port, err := NewPort(bus, ManagerName, DefaultMailboxSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		bus:  bus,
		port: port,
		log:  log.With("component", "manager"),
		mode: PowerActive,
		done: make(chan struct{}),
	}, nil
}

// Boot starts defs in dependency order. A service whose init fails or
// times out is destroyed and every service depending on it is skipped;
// the others still start. All failures are returned joined.
func (m *Manager) Boot(ctx context.Context, defs ...ServiceDefinition) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	order, err := ResolveOrder(defs, m.running)
	if err != nil {
		return err
	}

	failed := make(map[string]bool)
	var errs []error
	for _, def := range order {
		name := def.Manifest.Name
		if dep, bad := firstFailed(def.Manifest.Dependencies, failed); bad {
			failed[name] = true
			errs = append(errs, fmt.Errorf("%s: %w: %s", name, ErrDependencyFailed, dep))
			m.log.Warn("service skipped", "service", name, "dependency", dep)
			continue
		}
		svc, err := m.start(ctx, def)
		if err != nil {
			failed[name] = true
			errs = append(errs, err)
			m.log.Error("service failed to start", "service", name, "error", err)
			continue
		}
		m.mu.Lock()
		m.services = append(m.services, &managed{manifest: def.Manifest, svc: svc})
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func firstFailed(deps []string, failed map[string]bool) (string, bool) {
	for _, dep := range deps {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

func (m *Manager) start(ctx context.Context, def ServiceDefinition) (*Service, error) {
	name := def.Manifest.Name
	if def.Factory == nil {
		return nil, fmt.Errorf("start %s: no factory", name)
	}
	svc := def.Factory()
	if svc == nil || svc.Name() != name {
		return nil, fmt.Errorf("start %s: factory built a different service", name)
	}
	if def.Manifest.Priority != 0 {
		svc.priority = def.Manifest.Priority
	}
	if def.Manifest.MailboxSize > 0 {
		svc.mailboxSize = def.Manifest.MailboxSize
	}
	if err := svc.Run(ctx, m.bus); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	if err := m.request(ctx, def.Manifest, StartRequest{}); err != nil {
		if svc.State() != StateDestroyed {
			svc.kill()
		}
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	m.log.Info("service ready", "service", name)
	return svc, nil
}

func (m *Manager) request(ctx context.Context, man Manifest, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, man.timeout())
	defer cancel()
	resp, err := m.port.Request(ctx, KindSystem, payload, man.Name)
	if err != nil {
		return err
	}
	return resp.AsError()
}

func (m *Manager) running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		if s.manifest.Name == name && s.svc.State() != StateDestroyed {
			return true
		}
	}
	return false
}

// SetPowerMode asks every running service to switch to mode: dependents
// first when suspending, dependencies first when resuming. If any service
// refuses, those already switched are reverted and the error returned.
func (m *Manager) SetPowerMode(ctx context.Context, mode PowerMode) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	prev := m.mode
	targets := m.aliveLocked()
	m.mu.Unlock()
	if mode == prev {
		return nil
	}
	if mode != PowerActive {
		slices.Reverse(targets)
	}

	var switched []*managed
	for _, s := range targets {
		if err := m.request(ctx, s.manifest, PowerModeRequest{Mode: mode}); err != nil {
			m.log.Error("power mode rejected", "service", s.manifest.Name, "mode", mode, "error", err)
			for i := len(switched) - 1; i >= 0; i-- {
				back := switched[i]
				if rerr := m.request(ctx, back.manifest, PowerModeRequest{Mode: prev}); rerr != nil {
					m.log.Error("power mode revert failed", "service", back.manifest.Name, "error", rerr)
				}
			}
			return fmt.Errorf("switch %s to %s: %w", s.manifest.Name, mode, err)
		}
		switched = append(switched, s)
	}

	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	m.port.Publish(PowerModeChanged{Mode: mode}, ChannelPowerManagerNotifications)
	m.log.Info("power mode changed", "from", prev, "to", mode)
	return nil
}

// PowerMode returns the current system power mode.
func (m *Manager) PowerMode() PowerMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) aliveLocked() []*managed {
	alive := make([]*managed, 0, len(m.services))
	for _, s := range m.services {
		if s.svc.State() != StateDestroyed {
			alive = append(alive, s)
		}
	}
	return alive
}

// Shutdown closes services in reverse boot order. A service that does
// not finish closing within its manifest timeout is killed. The manager
// leaves the bus afterwards and Done is closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.opMu.Lock()
		m.mu.Lock()
		services := m.aliveLocked()
		m.services = nil
		m.mu.Unlock()
		m.opMu.Unlock()

		var errs []error
		for _, s := range slices.Backward(services) {
			if err := m.request(ctx, s.manifest, CloseRequest{}); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.manifest.Name, err))
				s.svc.kill()
				continue
			}
			select {
			case <-s.svc.Done():
			case <-time.After(s.manifest.timeout()):
				s.svc.kill()
			}
			m.log.Info("service stopped", "service", s.manifest.Name)
		}

		m.port.Close()
		m.shutdownErr = errors.Join(errs...)
		close(m.done)
	})
	return m.shutdownErr
}

// Done is closed once Shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Service returns the running service called name.
func (m *Manager) Service(name string) (*Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		if s.manifest.Name == name {
			return s.svc, true
		}
	}
	return nil, false
}

// Status lists the managed services in boot order. It does not wait for
// a power mode switch in progress.
func (m *Manager) Status() []ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceStatus, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, ServiceStatus{
			Name:     s.manifest.Name,
			State:    s.svc.State().String(),
			Priority: s.svc.Priority(),
		})
	}
	return out
}
