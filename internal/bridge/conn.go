package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/protocol"
)

// serveConn runs one connection from handshake to disconnect.
func (b *Bridge) serveConn(ctx context.Context, nc net.Conn) {
	c := peer.New(nc, b.opts.Codec, b.reqs)
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	log := b.log.With(slog.String("conn_id", c.ID()), slog.String("remote", nc.RemoteAddr().String()))
	log.Debug("connection opened")

	hello, ok := b.admit(c, log)
	if !ok {
		return
	}

	log = log.With(slog.String("agent", c.Agent()))
	active := b.register(c)
	b.metrics.ConnectionsActive(active)
	log.Info("agent connected", slog.Int("connections", active))
	if b.hooks.OnConnect != nil {
		b.hooks.OnConnect(c.Info())
	}
	defer b.disconnect(c, log)

	if hello.Kind == protocol.KindHeartbeat {
		if err := c.Send(protocol.KindHeartbeatAck, hello.Nonce, nil); err != nil {
			log.Warn("handshake ack failed", slog.String("error", err.Error()))
			return
		}
	}

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if errors.Is(err, peer.ErrMalformed) {
				b.metrics.MalformedFrame()
				log.Warn("dropping malformed frame", slog.String("error", err.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}
		if f.IsResponse() {
			if !b.reqs.Resolve(f) {
				log.Debug("dropping unsolicited response", slog.String("kind", f.Kind.String()), slog.String("nonce", f.Nonce))
			}
			continue
		}
		b.dispatch(ctx, c, f, log)
	}
}

// admit reads the handshake frame and checks the shared secret. Rejected
// connections are closed and never registered.
func (b *Bridge) admit(c *peer.Conn, log *slog.Logger) (*protocol.Frame, bool) {
	nc := c.NetConn()
	_ = nc.SetReadDeadline(time.Now().Add(b.opts.HeartbeatTimeout))
	f, err := c.ReadFrame()
	_ = nc.SetReadDeadline(time.Time{})

	if err != nil && !errors.Is(err, peer.ErrMalformed) {
		log.Debug("connection closed before handshake", slog.String("error", err.Error()))
		return nil, false
	}
	if err != nil || subtle.ConstantTimeCompare([]byte(f.AuthToken), []byte(b.opts.AuthToken)) != 1 {
		b.metrics.ConnectionRejected()
		log.Warn("unauthorized connection attempt")
		_ = c.Reject(ErrAccessDenied.Error())
		return nil, false
	}
	c.Authenticate(f.Agent)
	return f, true
}

// disconnect deregisters c and returns its group to the queue.
func (b *Bridge) disconnect(c *peer.Conn, log *slog.Logger) {
	info := c.Info()
	active, ok := b.unregister(c)
	if !ok {
		return
	}
	b.metrics.ConnectionsActive(active)

	b.planMu.Lock()
	g := c.TakeShardList()
	requeued := len(g) > 0 && !b.opts.Standalone && b.queue.Release(g)
	b.planMu.Unlock()
	if len(g) > 0 && !b.opts.Standalone {
		if requeued {
			b.metrics.GroupRequeued()
			b.metrics.QueueLength(b.queue.Len())
			log.Info("agent disconnected, group requeued", slog.Any("group", g), slog.Int("queue", b.queue.Len()))
		} else {
			log.Info("agent disconnected, stale group dropped", slog.Any("group", g))
		}
	} else {
		log.Info("agent disconnected")
	}

	if b.hooks.OnDisconnect != nil {
		b.hooks.OnDisconnect(info)
	}
}
