package protocol

import "fmt"

// Message is a decoded frame body. Each reserved kind has exactly one
// implementation; unreserved kinds decode to *Custom.
type Message interface {
	Kind() Kind
}

// Cluster is an ordered list of shard ids, the unit of internal chunking.
type Cluster []int

// Group is an ordered list of clusters, the unit claimed by one agent.
type Group []Cluster

// Shards flattens the group into its shard ids.
func (g Group) Shards() []int {
	var out []int
	for _, c := range g {
		out = append(out, c...)
	}
	return out
}

// Contains reports whether shard belongs to some cluster of the group.
func (g Group) Contains(shard int) bool {
	for _, c := range g {
		for _, s := range c {
			if s == shard {
				return true
			}
		}
	}
	return false
}

// EvalOptions travel with eval and routed requests.
type EvalOptions struct {
	// Agents restricts a broadcast to connections with one of these roles.
	// Empty means "bot".
	Agents []string `json:"agent,omitempty"`
	// Shard is the resolved target shard of a guild request.
	Shard *int `json:"shard,omitempty"`
	// Cluster targets a single cluster on the receiving agent.
	Cluster *int `json:"cluster,omitempty"`
	// TimeoutMS overrides the default request timeout on fan-out.
	TimeoutMS int `json:"timeout,omitempty"`
	// Context is passed verbatim to the evaluated script.
	Context any `json:"context,omitempty"`
}

// Heartbeat doubles as the handshake when it is the first frame.
type Heartbeat struct{}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct{}

func (*HeartbeatAck) Kind() Kind { return KindHeartbeatAck }

// BroadcastRequest asks the bridge (client broadcast) or an agent (server
// broadcast) to evaluate Script.
type BroadcastRequest struct {
	Server  bool        `json:"-"`
	Script  string      `json:"script"`
	Options EvalOptions `json:"options"`
}

func (m *BroadcastRequest) Kind() Kind {
	if m.Server {
		return KindServerBroadcastRequest
	}
	return KindClientBroadcastRequest
}

// BroadcastResponse carries one result per target.
type BroadcastResponse struct {
	Results []any `json:"results"`
}

// ShardClaimRequest asks the bridge for a machine group.
type ShardClaimRequest struct {
	// MaxClusters limits the size of the claimed group; 0 means no limit.
	MaxClusters int `json:"maxClusters,omitempty"`
}

func (*ShardClaimRequest) Kind() Kind { return KindShardListDataRequest }

// ShardClaimResponse answers a claim. An empty ShardList means the queue
// was empty.
type ShardClaimResponse struct {
	ShardList   Group `json:"shardList"`
	TotalShards int   `json:"totalShards"`
	ClusterList []int `json:"clusterList"`
}

// ShardPlanUpdate announces a freshly computed plan to bot agents.
type ShardPlanUpdate struct {
	TotalShards      int     `json:"totalShards"`
	ShardClusterList []Group `json:"shardClusterList"`
}

func (*ShardPlanUpdate) Kind() Kind { return KindShardListDataUpdate }

// ShardCurrent reports a group the agent already hosts.
type ShardCurrent struct {
	ShardList Group `json:"shardList"`
}

func (*ShardCurrent) Kind() Kind { return KindClientShardListDataCurrent }

// GuildRequest targets whichever agent hosts the guild's shard.
type GuildRequest struct {
	Eval    bool        `json:"eval,omitempty"`
	GuildID string      `json:"guildId"`
	Script  string      `json:"script,omitempty"`
	Data    any         `json:"data,omitempty"`
	Options EvalOptions `json:"options"`
}

func (m *GuildRequest) Kind() Kind {
	if m.Eval {
		return KindGuildEvalRequest
	}
	return KindGuildDataRequest
}

// ClientDataRequest targets one agent by id or all agents of a role.
type ClientDataRequest struct {
	ClientID string      `json:"clientId,omitempty"`
	Agent    string      `json:"agent,omitempty"`
	Data     any         `json:"data,omitempty"`
	Options  EvalOptions `json:"options"`
}

func (*ClientDataRequest) Kind() Kind { return KindClientDataRequest }

// CacheOp selects the cache operation.
type CacheOp int

const (
	CacheSet CacheOp = iota
	CacheGet
	CacheDelete
	CacheClear
)

// CacheRequest operates on the bridge cache identified by Path.
type CacheRequest struct {
	Op    CacheOp `json:"-"`
	Path  string  `json:"path"`
	Key   string  `json:"key,omitempty"`
	Value any     `json:"value,omitempty"`
}

func (m *CacheRequest) Kind() Kind {
	switch m.Op {
	case CacheGet:
		return KindCacheGetRequest
	case CacheDelete:
		return KindCacheDeleteRequest
	case CacheClear:
		return KindCacheClearRequest
	default:
		return KindCacheSetRequest
	}
}

// CacheResponse answers a cache request.
type CacheResponse struct {
	Found bool `json:"found"`
	Value any  `json:"value,omitempty"`
}

// Custom is an application-defined message. Kind is the original tag,
// which may be any unreserved number.
type Custom struct {
	Tag  Kind   `json:"-"`
	Raw  []byte `json:"-"`
	dec  Codec
	Data any `json:"data,omitempty"`
}

func (m *Custom) Kind() Kind { return m.Tag }

// Decode decodes the raw body into v.
func (m *Custom) Decode(v any) error {
	if len(m.Raw) == 0 {
		return ErrEmptyBody
	}
	return m.dec.Unmarshal(m.Raw, v)
}

// Parse decodes a request or fire-and-forget frame into its typed
// message. Response kinds are not accepted; they are routed by nonce
// before they reach a dispatch table.
func Parse(codec Codec, f *Frame) (Message, error) {
	var m Message
	switch f.Kind {
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindHeartbeatAck:
		return &HeartbeatAck{}, nil
	case KindClientBroadcastRequest:
		m = &BroadcastRequest{}
	case KindServerBroadcastRequest:
		m = &BroadcastRequest{Server: true}
	case KindShardListDataRequest:
		m = &ShardClaimRequest{}
	case KindShardListDataUpdate:
		m = &ShardPlanUpdate{}
	case KindClientShardListDataCurrent:
		m = &ShardCurrent{}
	case KindGuildDataRequest:
		m = &GuildRequest{}
	case KindGuildEvalRequest:
		m = &GuildRequest{Eval: true}
	case KindClientDataRequest:
		m = &ClientDataRequest{}
	case KindCacheSetRequest:
		m = &CacheRequest{Op: CacheSet}
	case KindCacheGetRequest:
		m = &CacheRequest{Op: CacheGet}
	case KindCacheDeleteRequest:
		m = &CacheRequest{Op: CacheDelete}
	case KindCacheClearRequest:
		m = &CacheRequest{Op: CacheClear}
	case KindCustomReply,
		KindClientBroadcastResponse,
		KindServerBroadcastResponse,
		KindGuildDataResponse,
		KindGuildEvalResponse,
		KindClientDataResponse,
		KindCacheSetResponse,
		KindCacheGetResponse,
		KindCacheDeleteResponse,
		KindCacheClearResponse:
		return nil, fmt.Errorf("protocol: unsolicited response %s (nonce %q)", f.Kind, f.Nonce)
	default:
		c := &Custom{Tag: f.Kind, Raw: f.Body, dec: codec}
		if len(f.Body) > 0 {
			if err := codec.Unmarshal(f.Body, &c.Data); err != nil {
				return nil, fmt.Errorf("protocol: decode %s body: %w", f.Kind, err)
			}
		}
		return c, nil
	}
	if len(f.Body) == 0 {
		return m, nil
	}
	if err := codec.Unmarshal(f.Body, m); err != nil {
		return nil, fmt.Errorf("protocol: decode %s body: %w", f.Kind, err)
	}
	return m, nil
}
