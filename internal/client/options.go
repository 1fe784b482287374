package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/telemetry"
)

// Defaults applied by New for zero option values.
const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultPlanGrace         = 5 * time.Second
)

// ErrMissingOption wraps constructor validation failures.
var ErrMissingOption = errors.New("client: missing option")

// Options are the client settings. Addr, AuthToken and Role are required.
type Options struct {
	// Addr is the bridge address, host:port.
	Addr string

	// AuthToken is the bridge's shared secret.
	AuthToken string

	// Role is announced in the handshake. Broadcasts and plan updates
	// target "bot" unless told otherwise.
	Role string

	// RollingRestarts restarts the attached manager's clusters when a new
	// plan hands this agent a different group.
	RollingRestarts bool

	// ReconnectInterval is the fixed pause between connection attempts.
	ReconnectInterval time.Duration

	// HeartbeatInterval is both the heartbeat period and the deadline for
	// its acknowledgement.
	HeartbeatInterval time.Duration

	// RequestTimeout applies to requests made without a timeout.
	RequestTimeout time.Duration

	// PlanGrace is the wait between a changed plan and the re-claim.
	PlanGrace time.Duration

	// MaxClusters limits claims made after a plan change; 0 means none.
	MaxClusters int

	Codec protocol.Codec
}

func (o *Options) applyDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.PlanGrace <= 0 {
		o.PlanGrace = DefaultPlanGrace
	}
	if o.Codec == nil {
		o.Codec = protocol.JSONCodec{}
	}
}

// Request is an inbound request from the bridge that the client does not
// handle itself.
type Request struct {
	Message protocol.Message
	frame   *protocol.Frame
	reply   func(f *protocol.Frame, body any, err error) error
}

// Kind returns the wire kind of the request.
func (r *Request) Kind() protocol.Kind { return r.frame.Kind }

// Reply answers the request with body.
func (r *Request) Reply(body any) error { return r.reply(r.frame, body, nil) }

// ReplyError answers the request with a failure.
func (r *Request) ReplyError(err error) error { return r.reply(r.frame, nil, err) }

// Hooks are optional callbacks for client events. They run on the
// connection's goroutine except OnRequest, which gets its own.
type Hooks struct {
	OnReady   func(addr string)
	OnClose   func(err error)
	OnError   func(err error)
	OnMessage func(msg *protocol.Custom)
	OnRequest func(req *Request)
}

// DialFunc opens the transport to the bridge.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

func WithMetrics(m telemetry.ClientMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}
