// Package monitor provides a service that observes bus notifications.
// It logs and counts every multicast it is subscribed to and can store
// them through the database service.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"time"

	"i4.energy/across/phonecore/sys"
)

const (
	ServiceName = "ServiceMonitor"
	// NotificationsTable receives one record per notification when
	// persistence is enabled.
	NotificationsTable = "notifications"

	defaultPersistTimeout = 2 * time.Second
)

// DefaultChannels are the channels observed when Config.Channels is empty.
var DefaultChannels = []sys.Channel{
	sys.ChannelServiceCellularNotifications,
	sys.ChannelPowerManagerNotifications,
	sys.ChannelPhoneModeChanges,
}

type Config struct {
	Channels []sys.Channel
	// Persist stores notifications through sys.ServiceDB.
	Persist        bool
	PersistTimeout time.Duration
}

// StatsRequest asks the monitor for its counters; it replies with Stats.
type StatsRequest struct{}

type Stats struct {
	Counts          map[string]uint64 `json:"counts"`
	Total           uint64            `json:"total"`
	LastType        string            `json:"last_type,omitempty"`
	LastAt          time.Time         `json:"last_at,omitzero"`
	Persisted       uint64            `json:"persisted"`
	PersistFailures uint64            `json:"persist_failures"`
}

type Monitor struct {
	sys.HandlerDefaults

	cfg     Config
	svc     *sys.Service
	metrics *Metrics
	log     *slog.Logger
	stats   Stats
}

func New(cfg Config, metrics *Metrics, opts ...sys.ServiceOption) *Monitor {
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	m := &Monitor{
		cfg:     cfg,
		metrics: metrics,
		stats:   Stats{Counts: make(map[string]uint64)},
	}
	m.svc = sys.NewService(ServiceName, m, opts...)
	m.log = m.svc.Log()
	sys.Connect(m.svc, m.statsRequested)
	return m
}

// Definition describes the monitor for the system manager.
func Definition(cfg Config, metrics *Metrics, opts ...sys.ServiceOption) sys.ServiceDefinition {
	return sys.ServiceDefinition{
		Manifest: sys.Manifest{Name: ServiceName},
		Factory: func() *sys.Service {
			return New(cfg, metrics, opts...).Service()
		},
	}
}

func (m *Monitor) Service() *sys.Service { return m.svc }

func (m *Monitor) InitHandler(context.Context) sys.ReturnCode {
	for _, ch := range m.cfg.Channels {
		m.svc.Subscribe(ch)
	}
	return sys.ReturnSuccess
}

func (m *Monitor) DeinitHandler() sys.ReturnCode {
	for _, ch := range m.cfg.Channels {
		m.svc.Unsubscribe(ch)
	}
	m.log.Info("monitor stopped", "total", m.stats.Total)
	return sys.ReturnSuccess
}

func (m *Monitor) DataReceivedHandler(msg *sys.Message) *sys.ResponseMessage {
	if msg.Transmission != sys.Multicast {
		return sys.MsgNotHandled()
	}
	typ := typeName(msg.Payload)
	m.stats.Counts[typ]++
	m.stats.Total++
	m.stats.LastType = typ
	m.stats.LastAt = msg.SentAt
	m.metrics.recordNotification(string(msg.Channel), typ)
	m.log.Info("notification",
		"channel", msg.Channel,
		"type", typ,
		"sender", msg.Sender,
		"trace_id", msg.TraceID,
		"payload", fmt.Sprintf("%+v", msg.Payload))

	if m.cfg.Persist {
		m.persist(msg, typ)
	}
	return sys.MsgHandled()
}

// persist does not wait for the database; the outcome is only counted.
func (m *Monitor) persist(msg *sys.Message, typ string) {
	q := sys.Query{
		Table: NotificationsTable,
		Op:    "insert",
		Record: map[string]any{
			"type":     typ,
			"channel":  string(msg.Channel),
			"sender":   msg.Sender,
			"trace_id": msg.TraceID.String(),
			"sent_at":  msg.SentAt,
			"payload":  msg.Payload,
		},
	}
	sent := m.svc.AsyncCall(q, sys.ServiceDB, m.cfg.PersistTimeout, func(resp *sys.ResponseMessage, err error) {
		if err == nil {
			err = resp.AsError()
		}
		if err != nil {
			m.stats.PersistFailures++
			m.metrics.recordPersist("failed")
			m.log.Warn("persist notification", "type", typ, "error", err)
			return
		}
		m.stats.Persisted++
		m.metrics.recordPersist("ok")
	})
	if !sent {
		m.stats.PersistFailures++
		m.metrics.recordPersist("unavailable")
		m.log.Debug("database service unavailable", "type", typ)
	}
}

func (m *Monitor) statsRequested(StatsRequest, *sys.Message) *sys.ResponseMessage {
	s := m.stats
	s.Counts = maps.Clone(m.stats.Counts)
	return sys.Reply(s)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
