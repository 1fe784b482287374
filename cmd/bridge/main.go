// Package main runs the shardbridge coordinator.
//
// The bridge accepts agent connections on its TCP port, computes the
// partition plan and hands out machine groups. An admin HTTP listener
// exposes:
//
//	/health       - liveness probe
//	/metrics      - Prometheus metrics
//	/connections  - connected agents and their groups
//	/plan         - the current plan and the unclaimed queue
//
// Configuration comes from an optional YAML file (-config or
// BRIDGE_CONFIG) overlaid with BRIDGE_* variables:
//
//	BRIDGE_AUTH_TOKEN=secret \
//	BRIDGE_TOTAL_SHARDS=8 \
//	BRIDGE_SHARDS_PER_CLUSTER=2 \
//	BRIDGE_TOTAL_MACHINES=2 \
//	./bridge
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardbridge/internal/bridge"
	"github.com/dreamware/shardbridge/internal/config"
	"github.com/dreamware/shardbridge/internal/partition"
	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/storage"
	"github.com/dreamware/shardbridge/internal/telemetry"
)

func main() {
	path := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadBridge(*path)
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
		log.Error("bridge stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("bridge stopped")
}

// run serves the bridge and its admin listener until ctx is done.
func run(ctx context.Context, cfg config.Bridge, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := bridge.New(bridgeOptions(cfg),
		bridge.WithLogger(log),
		bridge.WithMetrics(telemetry.NewBridgeMetrics(reg)),
		bridge.WithHooks(bridge.Hooks{
			OnError: func(err error) { log.Warn("bridge error", slog.String("error", err.Error())) },
		}),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Listen(gctx, cfg.Addr()) })

	if cfg.AdminAddr != "" {
		srv := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           newAdminMux(b, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin listening", slog.String("addr", cfg.AdminAddr))
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

func bridgeOptions(cfg config.Bridge) bridge.Options {
	return bridge.Options{
		AuthToken:        cfg.AuthToken,
		Standalone:       cfg.Standalone,
		ShardsPerCluster: cfg.ShardsPerCluster,
		TotalShards:      int(cfg.TotalShards),
		TotalMachines:    cfg.TotalMachines,
		Token:            cfg.Token,
		ShardList:        cfg.ShardList,
		PlanDelay:        cfg.PlanDelay.Std(),
		HeartbeatTimeout: cfg.HeartbeatTimeout.Std(),
		Codec:            protocol.GetCodec(cfg.Codec),
		CacheSize:        cfg.CacheSize,
	}
}

// adminView is the part of the bridge the admin endpoints read.
type adminView interface {
	Connections() []peer.Info
	Plan() *partition.Plan
	Queue() []protocol.Group
	CacheStats() map[string]storage.StoreStats
}

func newAdminMux(b adminView, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		conns := b.Connections()
		writeJSON(w, struct {
			Count       int         `json:"count"`
			Connections []peer.Info `json:"connections"`
		}{Count: len(conns), Connections: conns})
	})
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		plan := b.Plan()
		if plan == nil {
			http.Error(w, "plan not computed yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, struct {
			Plan  *partition.Plan               `json:"plan"`
			Queue []protocol.Group              `json:"queue"`
			Cache map[string]storage.StoreStats `json:"cache"`
		}{Plan: plan, Queue: b.Queue(), Cache: b.CacheStats()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
