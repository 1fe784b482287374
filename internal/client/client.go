package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardbridge/internal/cluster"
	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/pending"
	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/telemetry"
)

var (
	// ErrNotConnected is returned by requests made while no connection to
	// the bridge is up.
	ErrNotConnected = errors.New("client is not connected to bridge")
	// ErrNoManager answers bridge requests that need a cluster manager
	// before one is attached.
	ErrNoManager = errors.New("no manager attached")
	// ErrNoShard answers guild data requests without a resolved shard.
	ErrNoShard = errors.New("no shard has been provided")
	// ErrUnhandled answers bridge requests that no hook handles.
	ErrUnhandled = errors.New("no handler for request")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("client: already running")
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHeartbeating
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHeartbeating:
		return "heartbeating"
	default:
		return "disconnected"
	}
}

// Client keeps one connection to the bridge alive, claims a machine group
// and serves the bridge's requests through the attached cluster manager.
//
// Connection lifecycle:
//
//	disconnected ──dial──▶ connecting ──▶ connected ──ack──▶ heartbeating
//	      ▲                                                      │
//	      └──────── read error, missed ack, bridge close ◀───────┘
//
// After a drop the client waits ReconnectInterval and dials again, with
// no backoff, until the context given to Run is done. The claimed group
// survives reconnects and is reported back to the bridge once the new
// connection is acknowledged.
//
// Thread Safety:
// All exported methods are safe for concurrent use.
type Client struct {
	opts    Options
	log     *slog.Logger
	hooks   Hooks
	metrics telemetry.ClientMetrics
	dial    DialFunc
	reqs    *pending.Registry

	running atomic.Bool
	state   atomic.Int32
	ready   chan struct{}
	once    sync.Once

	mu          sync.RWMutex
	conn        *peer.Conn
	manager     cluster.Manager
	shardList   protocol.Group
	clusterList []int
	totalShards int
	plan        *protocol.ShardPlanUpdate

	// claimMu serialises claims so a re-claim sees the outcome of any
	// claim already in flight.
	claimMu sync.Mutex

	wg sync.WaitGroup
}

// New validates opts and returns a client that is not yet connected.
func New(opts Options, options ...Option) (*Client, error) {
	switch {
	case opts.Addr == "":
		return nil, fmt.Errorf("%w: bridge address must be provided", ErrMissingOption)
	case opts.AuthToken == "":
		return nil, fmt.Errorf("%w: auth token must be provided", ErrMissingOption)
	case opts.Role == "":
		return nil, fmt.Errorf("%w: agent role must be provided", ErrMissingOption)
	}
	opts.applyDefaults()

	c := &Client{
		opts:        opts,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:     telemetry.NopClientMetrics(),
		reqs:        pending.New(),
		ready:       make(chan struct{}),
		totalShards: -1,
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, o := range options {
		o(c)
	}
	c.log = c.log.With(slog.String("component", "client"), slog.String("agent", opts.Role))
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Ready is closed once the first connection has been acknowledged.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Attach binds the cluster manager that serves the bridge's requests.
func (c *Client) Attach(m cluster.Manager) {
	c.mu.Lock()
	c.manager = m
	c.mu.Unlock()
}

func (c *Client) getManager() cluster.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}

// ShardList returns the claimed group, empty before the first claim.
func (c *Client) ShardList() protocol.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shardList
}

// ClusterList returns the global ids of the claimed clusters.
func (c *Client) ClusterList() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clusterList
}

// TotalShards returns the plan's shard count, or -1 before a claim.
func (c *Client) TotalShards() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalShards
}

// Run connects to the bridge and keeps reconnecting until ctx is done.
// It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)
	defer c.wg.Wait()

	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.metrics.Reconnect()
		c.log.Info("connection to bridge lost, reconnecting",
			slog.Duration("in", c.opts.ReconnectInterval),
			slog.Any("error", err))

		timer := time.NewTimer(c.opts.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce dials, serves one connection and returns when it is gone.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	c.log.Debug("connecting to bridge", slog.String("addr", c.opts.Addr))
	nc, err := c.dial(ctx, c.opts.Addr)
	if err != nil {
		c.setState(StateDisconnected)
		c.emitError(err)
		return err
	}

	conn := peer.New(nc, c.opts.Codec, c.reqs)
	connCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer func() {
		stop()
		cancel()
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		c.metrics.Connected(false)
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeat(connCtx, conn)
	}()

	err = c.readLoop(connCtx, conn)
	cancel()
	if c.hooks.OnClose != nil {
		c.hooks.OnClose(err)
	}
	return err
}

// heartbeat sends the handshake, then a heartbeat every interval. A
// heartbeat not acknowledged within the interval closes the connection.
func (c *Client) heartbeat(ctx context.Context, conn *peer.Conn) {
	interval := c.opts.HeartbeatInterval
	_, err := c.reqs.Do(ctx, "", interval, func(nonce string) error {
		return conn.WriteFrame(&protocol.Frame{
			Kind:      protocol.KindHeartbeat,
			Nonce:     nonce,
			AuthToken: c.opts.AuthToken,
			Agent:     c.opts.Role,
		})
	})
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("handshake not acknowledged", slog.String("error", err.Error()))
			c.emitError(fmt.Errorf("handshake: %w", err))
		}
		_ = conn.Close()
		return
	}
	c.becameReady(ctx, conn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := conn.Request(ctx, protocol.KindHeartbeat, nil, interval); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.HeartbeatMissed()
			c.log.Warn("heartbeat missed, closing connection", slog.String("error", err.Error()))
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) becameReady(ctx context.Context, conn *peer.Conn) {
	c.setState(StateHeartbeating)
	c.metrics.Connected(true)
	c.log.Info("connected to bridge", slog.String("addr", c.opts.Addr))
	c.once.Do(func() { close(c.ready) })

	if held := c.ShardList(); len(held) > 0 {
		if err := conn.Send(protocol.KindClientShardListDataCurrent, "", &protocol.ShardCurrent{ShardList: held}); err != nil {
			c.log.Warn("reporting held group failed", slog.String("error", err.Error()))
		} else {
			c.log.Info("reported held group after reconnect", slog.Any("group", held))
		}
	}
	if c.hooks.OnReady != nil {
		c.hooks.OnReady(c.opts.Addr)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *peer.Conn) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, peer.ErrMalformed) {
				c.log.Warn("dropping malformed frame", slog.String("error", err.Error()))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return io.EOF
			}
			return err
		}
		if f.IsResponse() {
			if c.reqs.Resolve(f) {
				continue
			}
			if f.Error != "" {
				// The bridge rejects a handshake without a nonce.
				c.log.Error("bridge reported an error", slog.String("error", f.Error))
				c.emitError(f.Err())
				continue
			}
			c.log.Debug("dropping unsolicited response", slog.String("kind", f.Kind.String()), slog.String("nonce", f.Nonce))
			continue
		}
		c.dispatch(ctx, conn, f)
	}
}

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

func (c *Client) emitError(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

func (c *Client) current() (*peer.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// SendOptions control Send.
type SendOptions struct {
	// Kind is the frame kind of an internal send.
	Kind protocol.Kind

	// Internal sends the body as a frame of Kind. Other sends always
	// travel as custom messages.
	Internal bool
}

// Send writes a fire-and-forget frame to the bridge.
func (c *Client) Send(body any, opts SendOptions) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	kind := protocol.KindCustomMessage
	if opts.Internal {
		kind = opts.Kind
	}
	return conn.Send(kind, "", body)
}

// Request sends body as a request of kind and waits for the answer. A
// zero timeout uses Options.RequestTimeout.
func (c *Client) Request(ctx context.Context, kind protocol.Kind, body any, timeout time.Duration) (*protocol.Frame, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	name := kind.String()
	timer := c.metrics.RequestDuration(name)
	f, err := conn.Request(ctx, kind, body, timeout)
	timer.ObserveDuration()
	c.metrics.RequestCompleted(name, err == nil && f.Error == "")
	return f, err
}

// Call is Request followed by error and body decoding. out may be nil.
func (c *Client) Call(ctx context.Context, kind protocol.Kind, body any, timeout time.Duration, out any) error {
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
	return protocol.DecodeBody(c.opts.Codec, f, out)
}
