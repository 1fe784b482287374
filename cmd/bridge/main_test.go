package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardbridge/internal/config"
	"github.com/dreamware/shardbridge/internal/partition"
	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/storage"
)

type fakeView struct {
	conns []peer.Info
	plan  *partition.Plan
	queue []protocol.Group
}

func (f *fakeView) Connections() []peer.Info { return f.conns }
func (f *fakeView) Plan() *partition.Plan    { return f.plan }
func (f *fakeView) Queue() []protocol.Group  { return f.queue }
func (f *fakeView) CacheStats() map[string]storage.StoreStats {
	return map[string]storage.StoreStats{"users": {Keys: 1, Capacity: 10}}
}

func TestBridgeOptions(t *testing.T) {
	cfg := config.DefaultBridge()
	cfg.AuthToken = "secret"
	cfg.TotalShards = 8
	cfg.ShardsPerCluster = 2
	cfg.Codec = protocol.CodecNameMsgpack

	opts := bridgeOptions(cfg)
	assert.Equal(t, "secret", opts.AuthToken)
	assert.Equal(t, 8, opts.TotalShards)
	assert.Equal(t, 2, opts.ShardsPerCluster)
	assert.Equal(t, 5*time.Second, opts.PlanDelay)
	assert.Equal(t, protocol.CodecNameMsgpack, opts.Codec.Name())

	cfg.TotalShards = config.AutoShardCount
	assert.Equal(t, partition.AutoShards, bridgeOptions(cfg).TotalShards)
}

func TestAdminEndpoints(t *testing.T) {
	view := &fakeView{
		conns: []peer.Info{{ID: "c1", Agent: "bot", ShardList: protocol.Group{{0, 1}}}},
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))
	srv := httptest.NewServer(newAdminMux(view, reg))
	defer srv.Close()

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, _ := get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "test_total")

	resp, body = get("/connections")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var conns struct {
		Count       int         `json:"count"`
		Connections []peer.Info `json:"connections"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &conns))
	assert.Equal(t, 1, conns.Count)
	assert.Equal(t, "c1", conns.Connections[0].ID)

	resp, _ = get("/plan")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no plan yet")

	view.plan = &partition.Plan{TotalShards: 4, Groups: []protocol.Group{{{0, 1}}, {{2, 3}}}}
	view.queue = []protocol.Group{{{2, 3}}}
	resp, body = get("/plan")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var plan struct {
		Plan  partition.Plan                `json:"plan"`
		Queue []protocol.Group              `json:"queue"`
		Cache map[string]storage.StoreStats `json:"cache"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &plan))
	assert.Equal(t, 4, plan.Plan.TotalShards)
	assert.Equal(t, view.queue, plan.Queue)
	assert.Equal(t, 1, plan.Cache["users"].Keys)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/plan", strings.NewReader("{}"))
	require.NoError(t, err)
	postResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	postResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, postResp.StatusCode)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.DefaultBridge()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.AuthToken = "secret"
	cfg.TotalShards = 4
	cfg.AdminAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	cfg := config.DefaultBridge()
	err := run(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err, "missing auth token")
}
