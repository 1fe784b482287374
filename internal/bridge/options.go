package bridge

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/dreamware/shardbridge/internal/cluster"
	"github.com/dreamware/shardbridge/internal/partition"
	"github.com/dreamware/shardbridge/internal/peer"
	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/telemetry"
)

// Defaults applied by New for zero option values.
const (
	DefaultPlanDelay        = 5 * time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultCacheSize        = 1000
)

// ErrMissingOption wraps constructor validation failures.
var ErrMissingOption = errors.New("bridge: missing option")

// Options are the bridge settings. AuthToken is always required;
// TotalMachines is required unless Standalone is set.
type Options struct {
	// AuthToken is the shared secret every agent must present.
	AuthToken string

	// Standalone disables planning and requeueing.
	Standalone bool

	// ShardsPerCluster is the cluster size, default 1.
	ShardsPerCluster int

	// TotalShards is the shard count or partition.AutoShards.
	TotalShards int

	// TotalMachines is the number of machine groups.
	TotalMachines int

	// Token is the bot token used to discover the shard count. A leading
	// "Bot " is stripped.
	Token string

	// ShardList restricts the plan to these shards.
	ShardList []int

	// PlanDelay is how long after listening the first plan is computed.
	PlanDelay time.Duration

	// HeartbeatTimeout closes connections that stay silent for longer.
	// It also bounds the wait for the handshake frame.
	HeartbeatTimeout time.Duration

	// RequestTimeout applies to forwarded requests without their own.
	RequestTimeout time.Duration

	// Codec is the wire codec shared with every agent. Default JSON.
	Codec protocol.Codec

	// CacheSize bounds each cache path.
	CacheSize int
}

// GuildHasher maps a guild id onto a shard.
type GuildHasher func(guildID string, totalShards int) (int, error)

// Request is an inbound request the bridge does not handle itself.
type Request struct {
	Conn    *peer.Conn
	Message *protocol.Custom
	frame   *protocol.Frame
}

// Reply answers the request with body.
func (r *Request) Reply(body any) error { return r.Conn.Reply(r.frame, body) }

// ReplyError answers the request with a failure.
func (r *Request) ReplyError(err error) error { return r.Conn.ReplyError(r.frame, err) }

// Hooks are optional callbacks for bridge events. Hooks run on the
// connection's goroutine except OnRequest, which gets its own.
type Hooks struct {
	OnReady      func(addr net.Addr)
	OnConnect    func(info peer.Info)
	OnDisconnect func(info peer.Info)
	OnMessage    func(conn *peer.Conn, msg *protocol.Custom)
	OnRequest    func(req *Request)
	OnError      func(err error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.log = logger }
}

// WithHooks installs event callbacks.
func WithHooks(h Hooks) Option {
	return func(b *Bridge) { b.hooks = h }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.BridgeMetrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithDiscoverer replaces the gateway discoverer used for auto shard
// counts.
func WithDiscoverer(d partition.Discoverer) Option {
	return func(b *Bridge) { b.discoverer = d }
}

// WithGuildHasher replaces cluster.ShardForGuild.
func WithGuildHasher(h GuildHasher) Option {
	return func(b *Bridge) { b.hasher = h }
}

func (o *Options) applyDefaults() {
	if o.ShardsPerCluster < 1 {
		o.ShardsPerCluster = 1
	}
	if o.TotalShards == 0 {
		o.TotalShards = partition.AutoShards
	}
	if o.PlanDelay <= 0 {
		o.PlanDelay = DefaultPlanDelay
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Codec == nil {
		o.Codec = protocol.JSONCodec{}
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	o.Token = cluster.StripBotPrefix(o.Token)
}
