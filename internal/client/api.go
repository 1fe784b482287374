package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dreamware/shardbridge/internal/protocol"
)

// ClaimOptions control RequestShardData.
type ClaimOptions struct {
	// MaxClusters limits the size of the claimed group; 0 means none.
	MaxClusters int
	Timeout     time.Duration
}

// RequestShardData claims a machine group from the bridge and remembers
// it. An empty result means every group is taken or the bridge runs
// standalone; the previously held group is kept in that case.
func (c *Client) RequestShardData(ctx context.Context, opts ClaimOptions) (*protocol.ShardClaimResponse, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()
	return c.claim(ctx, opts)
}

// claim must be called with claimMu held.
func (c *Client) claim(ctx context.Context, opts ClaimOptions) (*protocol.ShardClaimResponse, error) {
	var resp protocol.ShardClaimResponse
	req := &protocol.ShardClaimRequest{MaxClusters: opts.MaxClusters}
	if err := c.Call(ctx, req.Kind(), req, opts.Timeout, &resp); err != nil {
		return nil, err
	}
	c.log.Debug("claim answered",
		slog.Any("group", resp.ShardList),
		slog.Any("cluster_ids", resp.ClusterList),
		slog.Int("total_shards", resp.TotalShards))
	if len(resp.ShardList) == 0 {
		return &resp, nil
	}

	c.mu.Lock()
	c.shardList = resp.ShardList
	c.clusterList = resp.ClusterList
	c.totalShards = resp.TotalShards
	c.mu.Unlock()
	c.metrics.ShardsOwned(len(resp.ShardList.Shards()))
	return &resp, nil
}

// BroadcastEval asks the bridge to evaluate script on every agent whose
// role is in opts.Agents (default "bot"), this one included, and returns
// one entry per agent.
func (c *Client) BroadcastEval(ctx context.Context, script string, opts protocol.EvalOptions) ([]any, error) {
	if script == "" {
		return nil, errors.New("script for broadcast eval must not be empty")
	}
	req := &protocol.BroadcastRequest{Script: script, Options: opts}
	var resp protocol.BroadcastResponse
	if err := c.Call(ctx, req.Kind(), req, timeoutOf(opts), &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// RequestToGuild sends req to the agent hosting the guild and decodes the
// answer into out, which may be nil.
func (c *Client) RequestToGuild(ctx context.Context, req *protocol.GuildRequest, out any) error {
	if req == nil || req.GuildID == "" {
		return errors.New("guild id has not been provided")
	}
	return c.Call(ctx, req.Kind(), req, timeoutOf(req.Options), out)
}

// RequestToClient sends req to one agent by id or to every agent of a
// role. A role request decodes into a slice with one entry per agent.
func (c *Client) RequestToClient(ctx context.Context, req *protocol.ClientDataRequest, out any) error {
	if req == nil || (req.ClientID == "" && req.Agent == "") {
		return errors.New("agent or client id has not been provided")
	}
	return c.Call(ctx, req.Kind(), req, timeoutOf(req.Options), out)
}

func timeoutOf(opts protocol.EvalOptions) time.Duration {
	return time.Duration(opts.TimeoutMS) * time.Millisecond
}
