// Package main runs a shardbridge agent.
//
// The agent connects to the bridge, claims a machine group and runs one
// local cluster per claimed cluster. It answers broadcast evals, guild
// requests and plan updates through the client, and can restart its
// clusters one at a time when the plan changes.
//
//	┌──────────────── Agent ────────────────┐
//	│  client.Client   ── TCP ──▶  bridge    │
//	│  local.Manager   clusters, yaegi eval │
//	│  admin HTTP      /health /metrics     │
//	│                  /clusters            │
//	└───────────────────────────────────────┘
//
// Configuration comes from an optional YAML file (-config or
// AGENT_CONFIG) overlaid with AGENT_* variables:
//
//	AGENT_HOST=bridge.internal \
//	AGENT_AUTH_TOKEN=secret \
//	AGENT_ROLLING_RESTARTS=true \
//	./agent
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardbridge/internal/client"
	"github.com/dreamware/shardbridge/internal/cluster"
	"github.com/dreamware/shardbridge/internal/config"
	"github.com/dreamware/shardbridge/internal/local"
	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/telemetry"
)

func main() {
	path := flag.String("config", os.Getenv("AGENT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadAgent(*path)
	if err != nil {
		log.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("agent stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("agent stopped")
}

// agent ties the bridge client to the local cluster manager.
type agent struct {
	client  *client.Client
	manager *local.Manager
	log     *slog.Logger

	// claimRetry is the pause between claims while no group is available.
	claimRetry  time.Duration
	maxClusters int
}

func newAgent(cfg config.Agent, log *slog.Logger, reg prometheus.Registerer, options ...client.Option) (*agent, error) {
	a := &agent{
		manager:     local.NewManager(local.Options{EvalTimeout: cfg.RequestTimeout.Std()}, log),
		log:         log.With(slog.String("component", "agent")),
		claimRetry:  cfg.ReconnectInterval.Std(),
		maxClusters: cfg.MaxClusters,
	}

	opts := []client.Option{
		client.WithLogger(log),
		client.WithMetrics(telemetry.NewClientMetrics(reg, cfg.Role)),
		client.WithHooks(client.Hooks{
			OnClose: func(err error) {
				a.log.Warn("bridge connection closed", slog.String("error", errString(err)))
			},
			OnError: func(err error) {
				a.log.Warn("client error", slog.String("error", err.Error()))
			},
			OnMessage: func(msg *protocol.Custom) {
				a.log.Debug("bridge message", slog.Any("data", msg.Data))
			},
			OnRequest: a.serveRequest,
		}),
	}
	c, err := client.New(client.Options{
		Addr:              cfg.Addr(),
		AuthToken:         cfg.AuthToken,
		Role:              cfg.Role,
		RollingRestarts:   cfg.RollingRestarts,
		ReconnectInterval: cfg.ReconnectInterval.Std(),
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		RequestTimeout:    cfg.RequestTimeout.Std(),
		PlanGrace:         cfg.PlanGrace.Std(),
		MaxClusters:       cfg.MaxClusters,
		Codec:             protocol.GetCodec(cfg.Codec),
	}, append(opts, options...)...)
	if err != nil {
		return nil, err
	}
	c.Attach(a.manager)
	a.client = c
	return a, nil
}

// bootstrap waits for the first connection, then claims until the bridge
// hands out a group and spawns its clusters. A group the client already
// took over from a plan update is spawned as is.
func (a *agent) bootstrap(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.client.Ready():
	}

	for {
		if held := a.client.ShardList(); len(held) > 0 {
			return a.spawn(ctx, a.client.TotalShards(), held, a.client.ClusterList())
		}
		resp, err := a.client.RequestShardData(ctx, client.ClaimOptions{MaxClusters: a.maxClusters})
		switch {
		case err != nil:
			a.log.Warn("claim failed", slog.String("error", err.Error()))
		case len(resp.ShardList) == 0:
			a.log.Info("no machine group available yet")
		default:
			return a.spawn(ctx, resp.TotalShards, resp.ShardList, resp.ClusterList)
		}

		timer := time.NewTimer(a.claimRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (a *agent) spawn(ctx context.Context, total int, group protocol.Group, clusterIDs []int) error {
	a.manager.SetShardConfig(cluster.NewShardConfig(total, group, clusterIDs))
	if err := a.manager.Spawn(ctx); err != nil {
		return fmt.Errorf("spawn clusters: %w", err)
	}
	a.log.Info("machine group claimed",
		slog.Any("group", group),
		slog.Any("cluster_ids", clusterIDs),
		slog.Int("total_shards", total))
	return nil
}

// status is what the agent reports about itself.
type status struct {
	State       string              `json:"state"`
	TotalShards int                 `json:"totalShards"`
	ShardList   protocol.Group      `json:"shardList"`
	ClusterList []int               `json:"clusterList"`
	Clusters    []local.ClusterInfo `json:"clusters"`
	Restarts    int                 `json:"restarts"`
}

func (a *agent) status() status {
	return status{
		State:       a.client.State().String(),
		TotalShards: a.client.TotalShards(),
		ShardList:   a.client.ShardList(),
		ClusterList: a.client.ClusterList(),
		Clusters:    a.manager.Info(),
		Restarts:    a.manager.Restarts(),
	}
}

// serveRequest answers custom and client data requests relayed by the
// bridge. A {"op": "status"} payload returns the agent status; anything
// else is unhandled.
func (a *agent) serveRequest(req *client.Request) {
	var data any
	switch m := req.Message.(type) {
	case *protocol.Custom:
		data = m.Data
	case *protocol.ClientDataRequest:
		data = m.Data
	}
	if m, ok := data.(map[string]any); ok && m["op"] == "status" {
		_ = req.Reply(a.status())
		return
	}
	_ = req.ReplyError(client.ErrUnhandled)
}

func (a *agent) adminMux(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if a.client.State() != client.StateHeartbeating {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/clusters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.status())
	})
	return mux
}

// run connects the agent and serves its admin listener until ctx is done.
func run(ctx context.Context, cfg config.Agent, log *slog.Logger, options ...client.Option) error {
	reg := prometheus.NewRegistry()
	a, err := newAgent(cfg, log, reg, options...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.client.Run(gctx) })
	g.Go(func() error { return a.bootstrap(gctx) })

	if cfg.AdminAddr != "" {
		srv := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           a.adminMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("admin listening", slog.String("addr", cfg.AdminAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
