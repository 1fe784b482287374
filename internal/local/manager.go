package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardbridge/internal/cluster"
	"github.com/dreamware/shardbridge/internal/protocol"
)

var (
	// ErrNoShardGiven is returned by EvalOnCluster without a target shard.
	ErrNoShardGiven = errors.New("no shard has been provided")
	// ErrClusterNotFound is returned when no local cluster matches.
	ErrClusterNotFound = errors.New("cluster not found")
)

// Options tune a Manager.
type Options struct {
	// StoreCapacity bounds each cluster's key/value store; 0 is unbounded.
	StoreCapacity int

	// EvalTimeout bounds a single script evaluation; 0 disables it.
	EvalTimeout time.Duration

	// RestartDelay is the pause between two cluster replacements during a
	// rolling restart.
	RestartDelay time.Duration
}

// Manager runs the clusters of one agent in-process. It implements
// cluster.Manager and cluster.Restarter.
//
// SetShardConfig only records the configuration. Clusters are built from
// it by Spawn and replaced one at a time by RollingRestart, so a plan
// change without rolling restarts keeps serving the old clusters.
type Manager struct {
	opts Options
	log  *slog.Logger
	eval *Evaluator

	mu       sync.RWMutex
	cfg      cluster.ShardConfig
	clusters []*Cluster
	restarts int

	// restartMu serialises rolling restarts.
	restartMu sync.Mutex
}

// NewManager returns a manager without clusters. A nil logger discards.
func NewManager(opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		opts: opts,
		log:  log.With(slog.String("component", "local")),
		eval: NewEvaluator(opts.EvalTimeout),
	}
}

func (m *Manager) ShardConfig() cluster.ShardConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) SetShardConfig(cfg cluster.ShardConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.log.Info("shard config set",
		slog.Int("total_shards", cfg.TotalShards),
		slog.Any("shards", cfg.ShardList),
		slog.Any("cluster_ids", cfg.ClusterList))
}

// Clusters returns the live clusters ordered by position in the group.
func (m *Manager) Clusters() []cluster.Cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cluster.Cluster, len(m.clusters))
	for i, c := range m.clusters {
		out[i] = c
	}
	return out
}

// Info returns a snapshot of every live cluster.
func (m *Manager) Info() []ClusterInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClusterInfo, len(m.clusters))
	for i, c := range m.clusters {
		out[i] = c.Info()
	}
	return out
}

// Restarts returns the number of completed rolling restarts.
func (m *Manager) Restarts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restarts
}

// Spawn replaces every cluster at once with clusters built from the
// current ShardConfig.
func (m *Manager) Spawn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fresh, err := m.build()
	if err != nil {
		return err
	}
	m.mu.Lock()
	old := m.clusters
	m.clusters = fresh
	m.mu.Unlock()
	for _, c := range old {
		c.setState(ClusterStateStopped)
	}
	m.log.Info("clusters spawned", slog.Int("clusters", len(fresh)))
	return nil
}

// RollingRestart replaces the clusters one after another with clusters
// built from the current ShardConfig, waiting RestartDelay between
// steps. Clusters beyond the new group size are stopped at the end.
func (m *Manager) RollingRestart(ctx context.Context) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	fresh, err := m.build()
	if err != nil {
		return err
	}
	m.log.Info("rolling restart started", slog.Int("clusters", len(fresh)))

	for i, c := range fresh {
		if i > 0 && m.opts.RestartDelay > 0 {
			timer := time.NewTimer(m.opts.RestartDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		m.mu.Lock()
		var old *Cluster
		if i < len(m.clusters) {
			old = m.clusters[i]
			m.clusters[i] = c
		} else {
			m.clusters = append(m.clusters, c)
		}
		m.mu.Unlock()

		if old != nil {
			old.setState(ClusterStateRestarting)
			old.setState(ClusterStateStopped)
		}
		m.log.Info("cluster restarted", slog.Int("cluster_id", c.ID()), slog.Any("shards", c.ShardList()))
	}

	m.mu.Lock()
	var retired []*Cluster
	if len(m.clusters) > len(fresh) {
		retired = m.clusters[len(fresh):]
		m.clusters = m.clusters[:len(fresh):len(fresh)]
	}
	m.restarts++
	m.mu.Unlock()
	for _, c := range retired {
		c.setState(ClusterStateStopped)
	}

	m.log.Info("rolling restart finished", slog.Int("retired", len(retired)))
	return nil
}

func (m *Manager) build() ([]*Cluster, error) {
	cfg := m.ShardConfig()
	if len(cfg.ClusterList) != len(cfg.ShardClusterList) {
		return nil, fmt.Errorf("shard config has %d clusters but %d cluster ids",
			len(cfg.ShardClusterList), len(cfg.ClusterList))
	}
	out := make([]*Cluster, len(cfg.ShardClusterList))
	for i, shards := range cfg.ShardClusterList {
		out[i] = NewCluster(cfg.ClusterList[i], shards, m.opts.StoreCapacity, m.eval)
	}
	return out, nil
}

func (m *Manager) local() []*Cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Cluster(nil), m.clusters...)
}

// BroadcastEval evaluates script on every cluster in parallel, or only on
// the cluster whose id is opts.Cluster, and returns the results in
// cluster order.
func (m *Manager) BroadcastEval(ctx context.Context, script string, opts protocol.EvalOptions) ([]any, error) {
	targets := m.local()
	if opts.Cluster != nil {
		var only []*Cluster
		for _, c := range targets {
			if c.ID() == *opts.Cluster {
				only = append(only, c)
			}
		}
		if len(only) == 0 {
			return nil, fmt.Errorf("%w: id %d", ErrClusterNotFound, *opts.Cluster)
		}
		targets = only
	}

	results := make([]any, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range targets {
		i, c := i, c
		g.Go(func() error {
			v, err := c.Eval(gctx, script, opts.Context)
			if err != nil {
				return fmt.Errorf("cluster %d: %w", c.ID(), err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// EvalOnCluster evaluates script on the cluster hosting opts.Shard.
func (m *Manager) EvalOnCluster(ctx context.Context, script string, opts protocol.EvalOptions) (any, error) {
	if opts.Shard == nil {
		return nil, ErrNoShardGiven
	}
	c, ok := cluster.ClusterForShard(m, *opts.Shard)
	if !ok {
		return nil, fmt.Errorf("%w: shard %d", ErrClusterNotFound, *opts.Shard)
	}
	return c.(*Cluster).Eval(ctx, script, opts.Context)
}
