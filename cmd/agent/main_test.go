package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardbridge/internal/bridge"
	"github.com/dreamware/shardbridge/internal/config"
	"github.com/dreamware/shardbridge/internal/protocol"
)

const secret = "s3cret"

func startBridge(t *testing.T) (b *bridge.Bridge, host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b, err = bridge.New(bridge.Options{
		AuthToken:        secret,
		TotalShards:      8,
		ShardsPerCluster: 2,
		TotalMachines:    2,
		PlanDelay:        50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return b, host, port
}

func agentConfig(host string, port int) config.Agent {
	cfg := config.DefaultAgent()
	cfg.Host = host
	cfg.Port = port
	cfg.AuthToken = secret
	cfg.ReconnectInterval = config.Duration(20 * time.Millisecond)
	cfg.HeartbeatInterval = config.Duration(time.Second)
	cfg.RequestTimeout = config.Duration(2 * time.Second)
	cfg.PlanGrace = config.Duration(200 * time.Millisecond)
	return cfg
}

func startAgent(t *testing.T, cfg config.Agent) (*agent, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	a, err := newAgent(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	bootDone := make(chan error, 1)
	go func() { runDone <- a.client.Run(ctx) }()
	go func() { bootDone <- a.bootstrap(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-runDone)
		assert.NoError(t, <-bootDone)
	})
	return a, reg
}

func TestNewAgentRejectsMissingSecret(t *testing.T) {
	cfg := agentConfig("127.0.0.1", 4444)
	cfg.AuthToken = ""
	_, err := newAgent(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestAgentBootstrapSpawnsClusters(t *testing.T) {
	_, host, port := startBridge(t)
	a, reg := startAgent(t, agentConfig(host, port))

	require.Eventually(t, func() bool { return len(a.manager.Clusters()) == 2 },
		3*time.Second, 10*time.Millisecond, "agent should spawn the claimed clusters once the plan exists")

	cfg := a.manager.ShardConfig()
	assert.Equal(t, 8, cfg.TotalShards)
	assert.Equal(t, []int{0, 1, 2, 3}, cfg.ShardList)
	assert.Equal(t, []int{0, 1}, cfg.ClusterList)

	srv := httptest.NewServer(a.adminMux(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/clusters")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "heartbeating", st.State)
	assert.Equal(t, protocol.Group{{0, 1}, {2, 3}}, st.ShardList)
	require.Len(t, st.Clusters, 2)
	assert.Equal(t, []int{2, 3}, st.Clusters[1].Shards)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentKeepsGroupClaimedBeforeGraceEnds(t *testing.T) {
	b, host, port := startBridge(t)
	a, _ := startAgent(t, agentConfig(host, port))

	require.Eventually(t, func() bool { return len(a.manager.Clusters()) == 2 },
		3*time.Second, 10*time.Millisecond)
	hosted := protocol.Group{{0, 1}, {2, 3}}

	// Outlast the grace delay of the plan update that arrived before the claim.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, hosted, a.client.ShardList())
	assert.Equal(t, []int{0, 1, 2, 3}, a.manager.ShardConfig().ShardList)
	conns := b.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, hosted, conns[0].ShardList, "bridge routes to the clusters the agent runs")
	assert.Equal(t, []protocol.Group{{{4, 5}, {6, 7}}}, b.Queue())
}

func TestAgentAnswersStatusRequests(t *testing.T) {
	_, host, port := startBridge(t)
	a, _ := startAgent(t, agentConfig(host, port))
	require.Eventually(t, func() bool { return len(a.manager.Clusters()) == 2 },
		3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var statuses []status
	err := a.client.RequestToClient(ctx, &protocol.ClientDataRequest{
		Agent: "bot",
		Data:  map[string]any{"op": "status"},
	}, &statuses)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, []int{0, 1}, statuses[0].ClusterList)

	var out any
	err = a.client.RequestToClient(ctx, &protocol.ClientDataRequest{
		Agent: "bot",
		Data:  map[string]any{"op": "unknown"},
	}, &out)
	require.NoError(t, err, "a remote failure becomes an error entry in the aggregate")
	require.IsType(t, []any{}, out)
	entry := out.([]any)[0].(map[string]any)
	assert.Contains(t, entry["error"], "no handler")
}

func TestAgentHealthBeforeConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := newAgent(agentConfig("127.0.0.1", 1), slog.New(slog.NewTextHandler(io.Discard, nil)), reg)
	require.NoError(t, err)

	srv := httptest.NewServer(a.adminMux(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
