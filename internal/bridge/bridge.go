package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardbridge/internal/cluster"
	"github.com/dreamware/shardbridge/internal/partition"
	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/pending"
	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/storage"
	"github.com/dreamware/shardbridge/internal/telemetry"
)

// DefaultRole is the role targeted by broadcasts and plan updates when no
// role filter is given.
const DefaultRole = "bot"

var (
	// ErrAlreadyServing is returned by Serve on a bridge that is serving.
	ErrAlreadyServing = errors.New("bridge: already serving")
	// ErrClosed is returned by Serve after Close.
	ErrClosed = errors.New("bridge: closed")
	// ErrShardNotFound is returned when no connection holds the target shard.
	ErrShardNotFound = errors.New("shard not found on any connected client")
	// ErrMissingGuildID is returned for guild requests without a guild id.
	ErrMissingGuildID = errors.New("missing guild id for request to guild")
	// ErrMissingTarget is returned for client requests without id or role.
	ErrMissingTarget = errors.New("agent or client id missing for finding target client")
	// ErrClientNotFound is returned when the client id is not connected.
	ErrClientNotFound = errors.New("client not found with provided client id")
	// ErrAccessDenied is sent to agents presenting the wrong secret.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnhandled answers requests that no hook handles.
	ErrUnhandled = errors.New("no handler for request")
)

// Bridge accepts agent connections, owns the partition plan and routes
// requests between agents.
type Bridge struct {
	opts       Options
	log        *slog.Logger
	hooks      Hooks
	metrics    telemetry.BridgeMetrics
	discoverer partition.Discoverer
	hasher     GuildHasher

	// planMu orders plan resets against claims, reports and requeues so
	// a group is never both queued and held.
	planMu  sync.Mutex
	queue   *partition.Queue
	reqs    *pending.Registry
	cache   *storage.Namespaces
	monitor *livenessMonitor

	mu    sync.RWMutex
	conns map[string]*peer.Conn

	lnMu sync.Mutex
	ln   net.Listener

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New validates opts and returns a bridge that is not yet listening.
func New(opts Options, options ...Option) (*Bridge, error) {
	if opts.AuthToken == "" {
		return nil, fmt.Errorf("%w: auth token must be provided", ErrMissingOption)
	}
	opts.applyDefaults()
	if !opts.Standalone {
		if opts.TotalMachines < 1 {
			return nil, fmt.Errorf("%w: total machines must be at least 1", ErrMissingOption)
		}
		if opts.TotalShards == partition.AutoShards && len(opts.ShardList) == 0 && opts.Token == "" {
			return nil, fmt.Errorf("%w: %w", ErrMissingOption, partition.ErrMissingToken)
		}
	}

	b := &Bridge{
		opts:       opts,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    telemetry.NopBridgeMetrics(),
		discoverer: &cluster.GatewayDiscoverer{},
		hasher:     cluster.ShardForGuild,
		queue:      partition.NewQueue(),
		reqs:       pending.New(),
		cache:      storage.NewNamespaces(opts.CacheSize),
		conns:      make(map[string]*peer.Conn),
		done:       make(chan struct{}),
	}
	for _, o := range options {
		o(b)
	}
	b.log = b.log.With(slog.String("component", "bridge"))
	b.monitor = newLivenessMonitor(opts.HeartbeatTimeout, b.log)
	b.monitor.SetOnIdle(func(c *peer.Conn, idle time.Duration) {
		b.log.Warn("closing idle connection",
			slog.String("conn_id", c.ID()),
			slog.String("agent", c.Agent()),
			slog.Duration("idle", idle))
		_ = c.Close()
	})
	return b, nil
}

// Listen binds addr and serves until ctx is done or Close is called.
func (b *Bridge) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve accepts connections on ln. Unless standalone, the first plan is
// computed PlanDelay after Serve starts. Serve closes ln and every
// connection before returning.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.lnMu.Lock()
	if b.ln != nil {
		b.lnMu.Unlock()
		return ErrAlreadyServing
	}
	b.ln = ln
	b.lnMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		b.closeAll()
		b.wg.Wait()
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		_ = ln.Close()
	}()

	b.log.Info("bridge listening", slog.String("addr", ln.Addr().String()), slog.Bool("standalone", b.opts.Standalone))
	if b.hooks.OnReady != nil {
		b.hooks.OnReady(ln.Addr())
	}

	if !b.opts.Standalone {
		b.wg.Add(1)
		go b.schedulePlan(ctx)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.monitor.Start(ctx, b.connList)
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || b.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.emitError(err)
			return fmt.Errorf("bridge: accept: %w", err)
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveConn(ctx, nc)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (b *Bridge) Addr() net.Addr {
	b.lnMu.Lock()
	defer b.lnMu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Close stops the listener. Serve returns once every connection is gone.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.lnMu.Lock()
		if b.ln != nil {
			_ = b.ln.Close()
		}
		b.lnMu.Unlock()
		b.reqs.Close()
	})
	return nil
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) schedulePlan(ctx context.Context) {
	defer b.wg.Done()
	timer := time.NewTimer(b.opts.PlanDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if _, err := b.ComputePlan(ctx); err != nil {
		b.log.Error("compute plan failed", slog.String("error", err.Error()))
		b.emitError(err)
	}
}

// ComputePlan builds a fresh plan, replaces the claim queue and pushes the
// plan to every bot connection. Held groups that are part of the new plan
// stay with their holders; other holdings are dropped.
func (b *Bridge) ComputePlan(ctx context.Context) (*partition.Plan, error) {
	p, err := partition.Build(ctx, partition.Options{
		TotalShards:      b.opts.TotalShards,
		ShardList:        b.opts.ShardList,
		ShardsPerCluster: b.opts.ShardsPerCluster,
		TotalMachines:    b.opts.TotalMachines,
		Token:            b.opts.Token,
	}, b.discoverer)
	if err != nil {
		return nil, err
	}
	b.resetQueue(p)
	b.metrics.PlanComputed(p.TotalShards, len(p.Groups))
	b.metrics.QueueLength(b.queue.Len())
	b.log.Info("plan computed",
		slog.Int("total_shards", p.TotalShards),
		slog.Int("clusters", len(p.Clusters)),
		slog.Int("groups", len(p.Groups)))

	update := &protocol.ShardPlanUpdate{TotalShards: p.TotalShards, ShardClusterList: p.Groups}
	for _, c := range b.connsWithRole([]string{DefaultRole}) {
		if err := c.Send(protocol.KindShardListDataUpdate, "", update); err != nil {
			b.log.Warn("plan update not delivered", slog.String("conn_id", c.ID()), slog.String("error", err.Error()))
		}
	}
	return p, nil
}

func (b *Bridge) resetQueue(p *partition.Plan) {
	b.planMu.Lock()
	defer b.planMu.Unlock()
	var held []protocol.Group
	for _, c := range b.connList() {
		g := c.ShardList()
		if len(g) == 0 {
			continue
		}
		if p.IndexOf(g) < 0 {
			c.SetShardList(nil)
			continue
		}
		held = append(held, g)
	}
	b.queue.Reset(p, held...)
}

// Plan returns the current plan, or nil before the first computation.
func (b *Bridge) Plan() *partition.Plan { return b.queue.Plan() }

// QueueLen returns the number of unclaimed machine groups.
func (b *Bridge) QueueLen() int { return b.queue.Len() }

// Queue returns the unclaimed machine groups in queue order.
func (b *Bridge) Queue() []protocol.Group { return b.queue.Snapshot() }

// CacheStats reports the bridge cache per path.
func (b *Bridge) CacheStats() map[string]storage.StoreStats { return b.cache.Stats() }

// Connections returns a snapshot of the authenticated connections,
// oldest first.
func (b *Bridge) Connections() []peer.Info {
	conns := b.connList()
	out := make([]peer.Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(x, y peer.Info) int {
		return x.ConnectedAt.Compare(y.ConnectedAt)
	})
	return out
}

// BroadcastEval asks every connection whose role is in opts.Agents
// (default "bot") to evaluate script and returns one entry per target. A
// transport failure on any target fails the whole call.
func (b *Bridge) BroadcastEval(ctx context.Context, script string, opts protocol.EvalOptions) ([]any, error) {
	if script == "" {
		return nil, errors.New("bridge: script must not be empty")
	}
	req := &protocol.BroadcastRequest{Server: true, Script: script, Options: opts}
	return b.fanOut(ctx, b.connsWithRole(opts.Agents), req.Kind(), req, b.timeout(opts), b.decodeBroadcast)
}

// RequestToGuild forwards req to the agent hosting the guild's shard and
// decodes the answer into out, which may be nil.
func (b *Bridge) RequestToGuild(ctx context.Context, req *protocol.GuildRequest, out any) error {
	f, err := b.routeGuild(ctx, req)
	if err != nil {
		return err
	}
	if err := f.Err(); err != nil {
		return err
	}
	if out == nil || len(f.Body) == 0 {
		return nil
	}
	return protocol.DecodeBody(b.opts.Codec, f, out)
}

func (b *Bridge) routeGuild(ctx context.Context, req *protocol.GuildRequest) (*protocol.Frame, error) {
	if req == nil || req.GuildID == "" {
		return nil, ErrMissingGuildID
	}
	total := b.opts.TotalShards
	if p := b.queue.Plan(); p != nil {
		total = p.TotalShards
	}
	if total < 1 {
		return nil, ErrShardNotFound
	}
	shard, err := b.hasher(req.GuildID, total)
	if err != nil {
		return nil, err
	}
	target := b.connForShard(shard)
	if target == nil {
		return nil, ErrShardNotFound
	}

	fwd := *req
	fwd.Options.Shard = &shard
	return target.Request(ctx, fwd.Kind(), &fwd, b.timeout(fwd.Options))
}

func (b *Bridge) timeout(opts protocol.EvalOptions) time.Duration {
	if opts.TimeoutMS > 0 {
		return time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	return b.opts.RequestTimeout
}

func (b *Bridge) emitError(err error) {
	if b.hooks.OnError != nil {
		b.hooks.OnError(err)
	}
}

func (b *Bridge) register(c *peer.Conn) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
	return len(b.conns)
}

func (b *Bridge) unregister(c *peer.Conn) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[c.ID()]
	delete(b.conns, c.ID())
	return len(b.conns), ok
}

func (b *Bridge) connList() []*peer.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*peer.Conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Bridge) connByID(id string) *peer.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conns[id]
}

// connsWithRole selects connections whose role is in roles, or "bot" when
// roles is empty.
func (b *Bridge) connsWithRole(roles []string) []*peer.Conn {
	if len(roles) == 0 {
		roles = []string{DefaultRole}
	}
	var out []*peer.Conn
	for _, c := range b.connList() {
		if slices.Contains(roles, c.Agent()) {
			out = append(out, c)
		}
	}
	return out
}

func (b *Bridge) connForShard(shard int) *peer.Conn {
	for _, c := range b.connList() {
		if c.ShardList().Contains(shard) {
			return c
		}
	}
	return nil
}

func (b *Bridge) closeAll() {
	for _, c := range b.connList() {
		_ = c.Close()
	}
}
