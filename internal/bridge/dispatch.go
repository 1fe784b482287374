package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardbridge/internal/partition"
	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/storage"
)

// dispatch handles one inbound request or message. Requests that wait on
// other agents run on their own goroutine so the read loop keeps
// delivering responses, including responses to this very connection.
func (b *Bridge) dispatch(ctx context.Context, c *peer.Conn, f *protocol.Frame, log *slog.Logger) {
	msg, err := protocol.Parse(c.Codec(), f)
	if err != nil {
		b.metrics.MalformedFrame()
		log.Warn("dropping undecodable frame", slog.String("kind", f.Kind.String()), slog.String("error", err.Error()))
		b.respond(c, f, nil, err, log)
		return
	}

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		if f.Nonce != "" {
			b.respond(c, f, nil, nil, log)
		}
	case *protocol.ShardClaimRequest:
		b.handled(f, func() (any, error) { return b.claim(c, m, log) }, c, log)
	case *protocol.ShardCurrent:
		b.report(c, m, log)
	case *protocol.ShardPlanUpdate:
		log.Debug("ignoring plan update from agent")
	case *protocol.CacheRequest:
		b.handled(f, func() (any, error) { return b.serveCache(c.Codec(), m) }, c, log)
	case *protocol.BroadcastRequest:
		b.async(func() {
			b.handled(f, func() (any, error) { return b.clientBroadcast(ctx, m) }, c, log)
		})
	case *protocol.GuildRequest:
		b.async(func() { b.relayGuild(ctx, c, f, m, log) })
	case *protocol.ClientDataRequest:
		b.async(func() { b.relayClient(ctx, c, f, m, log) })
	case *protocol.Custom:
		b.custom(c, f, m, log)
	default:
		log.Warn("unhandled message", slog.String("kind", f.Kind.String()))
	}
}

func (b *Bridge) async(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// handled runs fn with metrics and answers f with its result.
func (b *Bridge) handled(f *protocol.Frame, fn func() (any, error), c *peer.Conn, log *slog.Logger) {
	kind := f.Kind.String()
	timer := b.metrics.HandlerDuration(kind)
	body, err := fn()
	timer.ObserveDuration()
	b.metrics.HandlerCompleted(kind, err == nil)
	b.respond(c, f, body, err, log)
}

// respond answers f unless it was fire-and-forget.
func (b *Bridge) respond(c *peer.Conn, f *protocol.Frame, body any, err error, log *slog.Logger) {
	if f.Nonce == "" {
		return
	}
	var werr error
	if err != nil {
		werr = c.ReplyError(f, err)
	} else {
		werr = c.Reply(f, body)
	}
	if werr != nil {
		log.Warn("reply failed", slog.String("kind", f.Kind.String()), slog.String("error", werr.Error()))
	}
}

func (b *Bridge) claim(c *peer.Conn, m *protocol.ShardClaimRequest, log *slog.Logger) (*protocol.ShardClaimResponse, error) {
	if b.opts.Standalone {
		return &protocol.ShardClaimResponse{}, nil
	}
	b.planMu.Lock()
	defer b.planMu.Unlock()
	// A new claim replaces the group the connection held so far.
	if prev := c.ShardList(); len(prev) > 0 && b.queue.Release(prev) {
		c.SetShardList(nil)
	}

	cl, err := b.queue.Claim(m.MaxClusters)
	b.metrics.QueueLength(b.queue.Len())
	switch {
	case errors.Is(err, partition.ErrQueueEmpty):
		b.metrics.ClaimCompleted(false)
		log.Debug("claim on empty queue")
		return &protocol.ShardClaimResponse{}, nil
	case err != nil:
		b.metrics.ClaimCompleted(false)
		return nil, err
	}

	c.SetShardList(cl.Group)
	b.metrics.ClaimCompleted(true)
	log.Info("group claimed",
		slog.Any("group", cl.Group),
		slog.Any("cluster_ids", cl.ClusterIDs),
		slog.Int("queue", b.queue.Len()))
	return &protocol.ShardClaimResponse{
		ShardList:   cl.Group,
		TotalShards: cl.TotalShards,
		ClusterList: cl.ClusterIDs,
	}, nil
}

func (b *Bridge) report(c *peer.Conn, m *protocol.ShardCurrent, log *slog.Logger) {
	if b.opts.Standalone || len(m.ShardList) == 0 {
		return
	}
	b.planMu.Lock()
	defer b.planMu.Unlock()
	if !b.queue.Report(m.ShardList) {
		log.Debug("reported group not queued", slog.Any("group", m.ShardList))
		return
	}
	c.SetShardList(m.ShardList)
	b.metrics.QueueLength(b.queue.Len())
	log.Info("group reported as current", slog.Any("group", m.ShardList), slog.Int("queue", b.queue.Len()))
}

func (b *Bridge) clientBroadcast(ctx context.Context, m *protocol.BroadcastRequest) (*protocol.BroadcastResponse, error) {
	fwd := *m
	fwd.Server = true
	results, err := b.fanOut(ctx, b.connsWithRole(m.Options.Agents), fwd.Kind(), &fwd, b.timeout(m.Options), b.decodeBroadcast)
	if err != nil {
		return nil, err
	}
	return &protocol.BroadcastResponse{Results: results}, nil
}

func (b *Bridge) relayGuild(ctx context.Context, c *peer.Conn, f *protocol.Frame, m *protocol.GuildRequest, log *slog.Logger) {
	timer := b.metrics.HandlerDuration(f.Kind.String())
	resp, err := b.routeGuild(ctx, m)
	timer.ObserveDuration()
	b.metrics.HandlerCompleted(f.Kind.String(), err == nil && resp.Error == "")
	if err != nil {
		b.respond(c, f, nil, err, log)
		return
	}
	b.relay(c, f, resp, log)
}

func (b *Bridge) relayClient(ctx context.Context, c *peer.Conn, f *protocol.Frame, m *protocol.ClientDataRequest, log *slog.Logger) {
	timeout := b.timeout(m.Options)
	switch {
	case m.ClientID != "":
		target := b.connByID(m.ClientID)
		if target == nil {
			b.respond(c, f, nil, ErrClientNotFound, log)
			return
		}
		resp, err := target.Request(ctx, protocol.KindClientDataRequest, m, timeout)
		if err != nil {
			b.respond(c, f, nil, err, log)
			return
		}
		b.relay(c, f, resp, log)
	case m.Agent != "":
		b.handled(f, func() (any, error) {
			return b.fanOut(ctx, b.connsWithRole([]string{m.Agent}), protocol.KindClientDataRequest, m, timeout, b.decodeAny)
		}, c, log)
	default:
		b.respond(c, f, nil, ErrMissingTarget, log)
	}
}

// relay passes a target's response back to the original requester.
func (b *Bridge) relay(c *peer.Conn, req, resp *protocol.Frame, log *slog.Logger) {
	out := &protocol.Frame{
		Kind:  req.Kind.ResponseKind(),
		Nonce: req.Nonce,
		Error: resp.Error,
		Body:  resp.Body,
	}
	if err := c.WriteFrame(out); err != nil {
		log.Warn("relay failed", slog.String("kind", req.Kind.String()), slog.String("error", err.Error()))
	}
}

func (b *Bridge) custom(c *peer.Conn, f *protocol.Frame, m *protocol.Custom, log *slog.Logger) {
	if f.Nonce == "" {
		if b.hooks.OnMessage != nil {
			b.hooks.OnMessage(c, m)
		}
		return
	}
	if b.hooks.OnRequest == nil {
		b.respond(c, f, nil, ErrUnhandled, log)
		return
	}
	req := &Request{Conn: c, Message: m, frame: f}
	b.async(func() { b.hooks.OnRequest(req) })
}

// fanOut sends body to every target in parallel and collects one decoded
// entry per target, in target order. A target answering with an error
// payload contributes {"error": msg}; a transport failure or timeout on
// any target fails the whole call.
func (b *Bridge) fanOut(ctx context.Context, targets []*peer.Conn, kind protocol.Kind, body any, timeout time.Duration, decode func(*protocol.Frame) (any, error)) ([]any, error) {
	results := make([]any, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			f, err := t.Request(gctx, kind, body, timeout)
			if err != nil {
				return fmt.Errorf("%s (%s): %w", t.ID(), t.Agent(), err)
			}
			if remote := f.Err(); remote != nil {
				results[i] = map[string]any{"error": remote.Error()}
				return nil
			}
			v, err := decode(f)
			if err != nil {
				return fmt.Errorf("%s (%s): %w", t.ID(), t.Agent(), err)
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

func (b *Bridge) decodeBroadcast(f *protocol.Frame) (any, error) {
	if len(f.Body) == 0 {
		return nil, nil
	}
	var resp protocol.BroadcastResponse
	if err := protocol.DecodeBody(b.opts.Codec, f, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (b *Bridge) decodeAny(f *protocol.Frame) (any, error) {
	if len(f.Body) == 0 {
		return nil, nil
	}
	var v any
	if err := protocol.DecodeBody(b.opts.Codec, f, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (b *Bridge) serveCache(codec protocol.Codec, m *protocol.CacheRequest) (*protocol.CacheResponse, error) {
	if m.Path == "" {
		return nil, errors.New("missing cache path")
	}
	store := b.cache.Store(m.Path)
	switch m.Op {
	case protocol.CacheSet:
		if m.Key == "" {
			return nil, errors.New("missing cache key")
		}
		raw, err := codec.Marshal(m.Value)
		if err != nil {
			return nil, err
		}
		return &protocol.CacheResponse{Found: true}, store.Put(m.Key, raw)
	case protocol.CacheGet:
		raw, err := store.Get(m.Key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return &protocol.CacheResponse{}, nil
		}
		if err != nil {
			return nil, err
		}
		var v any
		if err := codec.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return &protocol.CacheResponse{Found: true, Value: v}, nil
	case protocol.CacheDelete:
		return &protocol.CacheResponse{Found: true}, store.Delete(m.Key)
	case protocol.CacheClear:
		store.Clear()
		return &protocol.CacheResponse{Found: true}, nil
	}
	return nil, fmt.Errorf("unknown cache operation %d", m.Op)
}
