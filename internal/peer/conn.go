// Package peer wraps one framed socket with the state both ends keep
// about it: identity, authentication, role, claimed shard group and the
// ability to write frames and issue correlated requests.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/dreamware/shardbridge/internal/pending"
	"github.com/dreamware/shardbridge/internal/protocol"
)

// ErrMalformed marks a frame that could not be decoded. The connection
// stays usable.
var ErrMalformed = errors.New("malformed frame")

// WriteTimeout bounds a single frame write.
var WriteTimeout = 10 * time.Second

// Conn is safe for concurrent use. Reads must come from a single
// goroutine.
type Conn struct {
	id    string
	nc    net.Conn
	codec protocol.Codec
	reqs  *pending.Registry
	fr    *protocol.FrameReader

	wmu sync.Mutex

	authed       atomic.Bool
	connectedAt  time.Time
	lastActivity atomic.Int64

	mu        sync.RWMutex
	agent     string
	shardList protocol.Group

	closeOnce sync.Once
	closeErr  error
}

// Info is a point-in-time view of a connection.
type Info struct {
	ID           string         `json:"id"`
	Agent        string         `json:"agent"`
	RemoteAddr   string         `json:"remote_addr"`
	ShardList    protocol.Group `json:"shard_list"`
	ConnectedAt  time.Time      `json:"connected_at"`
	LastActivity time.Time      `json:"last_activity"`
}

// New wraps nc. reqs is the endpoint's correlation registry and may be
// shared between connections.
func New(nc net.Conn, codec protocol.Codec, reqs *pending.Registry) *Conn {
	c := &Conn{
		id:          gonanoid.Must(13),
		nc:          nc,
		codec:       codec,
		reqs:        reqs,
		fr:          protocol.NewFrameReader(nc),
		connectedAt: time.Now().UTC(),
	}
	c.Touch()
	return c
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Codec() protocol.Codec       { return c.codec }
func (c *Conn) RemoteAddr() net.Addr        { return c.nc.RemoteAddr() }
func (c *Conn) Authenticated() bool         { return c.authed.Load() }
func (c *Conn) Registry() *pending.Registry { return c.reqs }
func (c *Conn) NetConn() net.Conn           { return c.nc }

// Authenticate marks the connection as admitted under the given role.
func (c *Conn) Authenticate(agent string) {
	if agent == "" {
		agent = "none"
	}
	c.mu.Lock()
	c.agent = agent
	c.mu.Unlock()
	c.authed.Store(true)
}

func (c *Conn) Agent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agent
}

// ShardList returns the group claimed by this connection.
func (c *Conn) ShardList() protocol.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shardList
}

func (c *Conn) SetShardList(g protocol.Group) {
	c.mu.Lock()
	c.shardList = g
	c.mu.Unlock()
}

// TakeShardList clears and returns the claimed group.
func (c *Conn) TakeShardList() protocol.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.shardList
	c.shardList = nil
	return g
}

// Touch records activity on the connection.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load()).UTC()
}

func (c *Conn) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:           c.id,
		Agent:        c.agent,
		RemoteAddr:   c.nc.RemoteAddr().String(),
		ShardList:    c.shardList,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.LastActivity(),
	}
}

// ReadFrame blocks for the next frame. Decode failures are wrapped in
// ErrMalformed; any other error means the socket is gone.
func (c *Conn) ReadFrame() (*protocol.Frame, error) {
	payload, err := c.fr.Next()
	if err != nil {
		return nil, err
	}
	c.Touch()
	f, err := protocol.Decode(c.codec, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}

// WriteFrame encodes and writes f.
func (c *Conn) WriteFrame(f *protocol.Frame) error {
	raw, err := protocol.Encode(c.codec, f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(c.nc, raw)
}

// Send writes a frame of kind carrying body.
func (c *Conn) Send(kind protocol.Kind, nonce string, body any) error {
	f, err := protocol.NewFrame(c.codec, kind, nonce, body)
	if err != nil {
		return err
	}
	return c.WriteFrame(f)
}

// Reply answers req with body.
func (c *Conn) Reply(req *protocol.Frame, body any) error {
	return c.Send(req.Kind.ResponseKind(), req.Nonce, body)
}

// ReplyError answers req with a failure.
func (c *Conn) ReplyError(req *protocol.Frame, err error) error {
	return c.WriteFrame(protocol.NewErrorFrame(req.Kind.ResponseKind(), req.Nonce, err.Error()))
}

// Request sends body as a request of kind and waits for the response.
func (c *Conn) Request(ctx context.Context, kind protocol.Kind, body any, timeout time.Duration) (*protocol.Frame, error) {
	f, err := protocol.NewFrame(c.codec, kind, "", body)
	if err != nil {
		return nil, err
	}
	return c.reqs.Do(ctx, "", timeout, func(nonce string) error {
		f.Nonce = nonce
		return c.WriteFrame(f)
	})
}

// Call is Request followed by error and body decoding. out may be nil.
func (c *Conn) Call(ctx context.Context, kind protocol.Kind, body any, timeout time.Duration, out any) error {
	f, err := c.Request(ctx, kind, body, timeout)
	if err != nil {
		return err
	}
	if err := f.Err(); err != nil {
		return err
	}
	if out == nil || len(f.Body) == 0 {
		return nil
	}
	return protocol.DecodeBody(c.codec, f, out)
}

// Reject sends an error frame and closes the socket.
func (c *Conn) Reject(reason string) error {
	_ = c.WriteFrame(protocol.NewErrorFrame(protocol.KindCustomReply, "", reason))
	return c.Close()
}

// Close closes the socket once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
