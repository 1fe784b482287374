package bridge

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/pending"
)

func pipeConn(t *testing.T) *peer.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return peer.New(a, codec, pending.New())
}

func TestLivenessSweep(t *testing.T) {
	m := newLivenessMonitor(50*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var idle []string
	m.SetOnIdle(func(c *peer.Conn, _ time.Duration) { idle = append(idle, c.ID()) })

	fresh, stale := pipeConn(t), pipeConn(t)
	conns := []*peer.Conn{fresh, stale}

	m.sweep(conns)
	assert.Empty(t, idle)
	require.NotNil(t, m.health(stale.ID()))
	assert.Equal(t, "alive", m.health(stale.ID()).Status)

	time.Sleep(80 * time.Millisecond)
	fresh.Touch()
	m.sweep(conns)
	assert.Equal(t, []string{stale.ID()}, idle)
	assert.Equal(t, "idle", m.health(stale.ID()).Status)
	assert.Equal(t, "alive", m.health(fresh.ID()).Status)

	m.sweep(conns)
	assert.Len(t, idle, 1, "callback fires once per idle transition")

	m.sweep([]*peer.Conn{fresh})
	assert.Nil(t, m.health(stale.ID()), "departed connections are forgotten")
}

func TestLivenessInterval(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Equal(t, 250*time.Millisecond, newLivenessMonitor(time.Second, log).interval)
	assert.Equal(t, 10*time.Millisecond, newLivenessMonitor(time.Millisecond, log).interval)
}
