package sys

import (
	"sync"
	"time"
)

// TimerType selects whether a timer re-arms itself.
type TimerType int

const (
	SingleShot TimerType = iota
	Periodic
)

// TimerExpired is posted to a timer's owner when the timer fires. A
// generation older than the timer's current one is stale and ignored.
type TimerExpired struct {
	TimerID    uint64
	Generation uint64
}

// Timer is a software timer owned by one service. Expiry posts a
// TimerExpired message through the bus to the owner, looked up by name,
// and the callback runs on the owner's goroutine.
type Timer struct {
	id       uint64
	name     string
	owner    string
	bus      *Bus
	callback func(*Timer)

	mu         sync.Mutex
	interval   time.Duration
	typ        TimerType
	active     bool
	generation uint64
	t          *time.Timer
}

func (t *Timer) Name() string { return t.name }

// Interval returns the current interval.
func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// IsActive reports whether an expiry is pending.
func (t *Timer) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Start cancels any pending expiry and schedules a new one.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked()
}

// Restart changes the interval and reschedules in one step.
func (t *Timer) Restart(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	t.startLocked()
}

// Stop cancels the timer. An expiry already in the owner's mailbox is
// dropped on delivery.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) startLocked() {
	t.stopLocked()
	t.active = true
	t.arm(t.generation)
}

func (t *Timer) stopLocked() {
	t.active = false
	t.generation++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *Timer) arm(gen uint64) {
	t.t = time.AfterFunc(t.interval, func() { t.fire(gen) })
}

// fire runs on the runtime's timer goroutine and only posts a message.
func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if !t.active || gen != t.generation {
		t.mu.Unlock()
		return
	}
	if t.typ == Periodic {
		t.arm(gen)
	}
	bus := t.bus
	t.mu.Unlock()

	// An owner that is not running yet has no mailbox; the expiry is lost.
	if bus == nil {
		return
	}
	msg := &Message{
		Sender:  t.owner,
		Kind:    KindSystem,
		Payload: TimerExpired{TimerID: t.id, Generation: gen},
	}
	// A destroyed owner is no longer registered; the expiry is lost.
	bus.SendUnicast(msg, t.owner)
}

// expire runs on the owner's goroutine and reports whether the expiry
// is current. Single-shot timers go inactive here, before the callback.
func (t *Timer) expire(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || gen != t.generation {
		return false
	}
	if t.typ == SingleShot {
		t.active = false
	}
	return true
}
