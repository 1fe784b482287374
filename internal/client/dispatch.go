package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardbridge/internal/cluster"
	"github.com/dreamware/shardbridge/internal/partition"
	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/protocol"
)

// dispatch handles one inbound request or message from the bridge.
// Anything that calls into the manager runs on its own goroutine.
func (c *Client) dispatch(ctx context.Context, conn *peer.Conn, f *protocol.Frame) {
	msg, err := protocol.Parse(c.opts.Codec, f)
	if err != nil {
		c.log.Warn("dropping undecodable frame", slog.String("kind", f.Kind.String()), slog.String("error", err.Error()))
		c.reply(conn, f, nil, err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		c.reply(conn, f, nil, nil)
	case *protocol.ShardPlanUpdate:
		c.onPlanUpdate(ctx, conn, m)
	case *protocol.BroadcastRequest:
		c.async(func() {
			results, err := c.broadcastEval(ctx, m)
			if err != nil {
				c.reply(conn, f, nil, err)
				return
			}
			c.reply(conn, f, &protocol.BroadcastResponse{Results: results}, nil)
		})
	case *protocol.GuildRequest:
		c.async(func() {
			v, err := c.serveGuild(ctx, m)
			c.reply(conn, f, v, err)
		})
	case *protocol.Custom:
		if f.Nonce == "" {
			if c.hooks.OnMessage != nil {
				c.hooks.OnMessage(m)
			}
			return
		}
		c.request(conn, f, m)
	default:
		if f.Nonce == "" {
			c.log.Debug("ignoring message", slog.String("kind", f.Kind.String()))
			return
		}
		c.request(conn, f, m)
	}
}

func (c *Client) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Client) request(conn *peer.Conn, f *protocol.Frame, m protocol.Message) {
	if c.hooks.OnRequest == nil {
		c.reply(conn, f, nil, ErrUnhandled)
		return
	}
	req := &Request{
		Message: m,
		frame:   f,
		reply: func(f *protocol.Frame, body any, err error) error {
			if err != nil {
				return conn.ReplyError(f, err)
			}
			return conn.Reply(f, body)
		},
	}
	c.async(func() { c.hooks.OnRequest(req) })
}

func (c *Client) reply(conn *peer.Conn, f *protocol.Frame, body any, err error) {
	if f.Nonce == "" {
		return
	}
	var werr error
	if err != nil {
		werr = conn.ReplyError(f, err)
	} else {
		werr = conn.Reply(f, body)
	}
	if werr != nil {
		c.log.Warn("reply failed", slog.String("kind", f.Kind.String()), slog.String("error", werr.Error()))
	}
}

func (c *Client) broadcastEval(ctx context.Context, m *protocol.BroadcastRequest) ([]any, error) {
	mgr := c.getManager()
	if mgr == nil {
		return nil, ErrNoManager
	}
	return mgr.BroadcastEval(ctx, m.Script, m.Options)
}

func (c *Client) serveGuild(ctx context.Context, m *protocol.GuildRequest) (any, error) {
	mgr := c.getManager()
	if mgr == nil {
		return nil, ErrNoManager
	}
	if m.Eval {
		return mgr.EvalOnCluster(ctx, m.Script, m.Options)
	}
	if m.Options.Shard == nil {
		return nil, ErrNoShard
	}
	cl, ok := cluster.ClusterForShard(mgr, *m.Options.Shard)
	if !ok {
		return nil, fmt.Errorf("cluster for shard %d not found", *m.Options.Shard)
	}
	return cl.Request(ctx, m)
}

// onPlanUpdate keeps the held group when the new plan still contains it
// unchanged and otherwise re-claims after the grace delay.
func (c *Client) onPlanUpdate(ctx context.Context, conn *peer.Conn, m *protocol.ShardPlanUpdate) {
	c.mu.Lock()
	c.plan = m
	c.mu.Unlock()

	if c.keepsHeldGroup(m) {
		c.reportHeld(conn)
		return
	}

	c.log.Info("plan changed, re-claiming after grace delay",
		slog.Int("total_shards", m.TotalShards),
		slog.Duration("grace", c.opts.PlanGrace))
	c.async(func() {
		timer := time.NewTimer(c.opts.PlanGrace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := c.reclaim(ctx, conn); err != nil {
			c.log.Error("re-claim after plan change failed", slog.String("error", err.Error()))
			c.emitError(err)
		}
	})
}

// keepsHeldGroup reports whether m contains the held group unchanged.
func (c *Client) keepsHeldGroup(m *protocol.ShardPlanUpdate) bool {
	held, total := c.ShardList(), c.TotalShards()
	return m != nil && len(held) > 0 && total == m.TotalShards &&
		slices.ContainsFunc(m.ShardClusterList, func(g protocol.Group) bool {
			return partition.EqualGroups(g, held)
		})
}

func (c *Client) reportHeld(conn *peer.Conn) {
	held := c.ShardList()
	if err := conn.Send(protocol.KindClientShardListDataCurrent, "", &protocol.ShardCurrent{ShardList: held}); err != nil {
		c.log.Warn("reporting held group failed", slog.String("error", err.Error()))
		return
	}
	c.log.Debug("plan update keeps held group", slog.Any("group", held))
}

// reclaim claims a group under the latest plan, hands it to the manager
// and, when enabled, restarts the manager's clusters. A group claimed
// during the grace delay that fits the latest plan is kept instead.
func (c *Client) reclaim(ctx context.Context, conn *peer.Conn) error {
	mgr := c.getManager()
	if mgr == nil {
		c.log.Debug("no manager attached, skipping re-claim")
		return nil
	}

	c.claimMu.Lock()
	c.mu.RLock()
	latest := c.plan
	c.mu.RUnlock()
	if c.keepsHeldGroup(latest) {
		c.claimMu.Unlock()
		c.reportHeld(conn)
		return nil
	}
	resp, err := c.claim(ctx, ClaimOptions{MaxClusters: c.opts.MaxClusters})
	c.claimMu.Unlock()
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(resp.ShardList) == 0 {
		c.log.Warn("no machine group left to claim")
		return nil
	}
	mgr.SetShardConfig(cluster.NewShardConfig(resp.TotalShards, resp.ShardList, resp.ClusterList))
	c.log.Info("shard config updated", slog.Any("group", resp.ShardList), slog.Any("cluster_ids", resp.ClusterList))

	if !c.opts.RollingRestarts {
		return nil
	}
	r, ok := mgr.(cluster.Restarter)
	if !ok {
		c.log.Debug("manager cannot restart, skipping rolling restart")
		return nil
	}
	c.log.Info("starting rolling restart")
	if err := r.RollingRestart(ctx); err != nil {
		return fmt.Errorf("rolling restart: %w", err)
	}
	return nil
}
