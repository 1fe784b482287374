package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/shardbridge/internal/peer"
)

// connHealth tracks the liveness of one connection between sweeps.
type connHealth struct {
	ConnID    string
	Status    string // "alive" or "idle"
	LastSeen  time.Time
	LastCheck time.Time
}

// livenessMonitor periodically sweeps the connection set and reports
// connections that have been silent for longer than the timeout. Agents
// heartbeat every few seconds, so silence means the peer is gone even if
// the socket has not noticed yet.
type livenessMonitor struct {
	timeout  time.Duration
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[string]*connHealth
	onIdle func(c *peer.Conn, idle time.Duration)
}

// newLivenessMonitor sweeps at a quarter of timeout, but never more often
// than every 10ms.
func newLivenessMonitor(timeout time.Duration, log *slog.Logger) *livenessMonitor {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &livenessMonitor{
		timeout:  timeout,
		interval: interval,
		log:      log,
		now:      time.Now,
		conns:    make(map[string]*connHealth),
	}
}

// SetOnIdle sets the callback invoked once per connection when it turns
// idle.
func (m *livenessMonitor) SetOnIdle(fn func(c *peer.Conn, idle time.Duration)) {
	m.onIdle = fn
}

// Start sweeps the connections returned by provider until ctx is done.
func (m *livenessMonitor) Start(ctx context.Context, provider func() []*peer.Conn) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Debug("liveness monitor started", slog.Duration("timeout", m.timeout), slog.Duration("interval", m.interval))
	for {
		select {
		case <-ticker.C:
			m.sweep(provider())
		case <-ctx.Done():
			m.log.Debug("liveness monitor stopped")
			return
		}
	}
}

func (m *livenessMonitor) sweep(conns []*peer.Conn) {
	now := m.now()
	current := make(map[string]bool, len(conns))
	var idle []*peer.Conn

	m.mu.Lock()
	for _, c := range conns {
		current[c.ID()] = true
		h, ok := m.conns[c.ID()]
		if !ok {
			h = &connHealth{ConnID: c.ID(), Status: "alive"}
			m.conns[c.ID()] = h
		}
		h.LastCheck = now
		h.LastSeen = c.LastActivity()

		if now.Sub(h.LastSeen) <= m.timeout {
			h.Status = "alive"
			continue
		}
		if h.Status != "idle" {
			h.Status = "idle"
			idle = append(idle, c)
		}
	}
	for id := range m.conns {
		if !current[id] {
			delete(m.conns, id)
		}
	}
	m.mu.Unlock()

	// Callbacks run without the lock held.
	for _, c := range idle {
		if m.onIdle != nil {
			m.onIdle(c, now.Sub(c.LastActivity()))
		}
	}
}

// health returns a copy of the record for id, or nil.
func (m *livenessMonitor) health(id string) *connHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.conns[id]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}
