package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/shardbridge/internal/protocol"
)

// AutoShards asks the planner to discover the total shard count.
const AutoShards = -1

var (
	// ErrMissingToken is returned when the shard count must be discovered
	// but no token was configured.
	ErrMissingToken = errors.New("token required for auto shard count")
	// ErrInvalidOptions is returned for option values the planner cannot use.
	ErrInvalidOptions = errors.New("invalid partition options")
)

// Discoverer resolves the recommended shard count for a bot token.
type Discoverer interface {
	RecommendedShards(ctx context.Context, token string) (int, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context, token string) (int, error)

func (f DiscovererFunc) RecommendedShards(ctx context.Context, token string) (int, error) {
	return f(ctx, token)
}

// Options describe the shard space and how to split it.
type Options struct {
	// TotalShards is the size of the shard space. AutoShards resolves it
	// from ShardList or, failing that, from the Discoverer. Zero is an
	// empty shard space.
	TotalShards int

	// ShardList is an explicit set of shards to host. It is used only when
	// TotalShards is not given.
	ShardList []int

	// ShardsPerCluster is the target cluster size. Values below 1 mean 1.
	ShardsPerCluster int

	// TotalMachines is the number of machine groups to produce. Required.
	TotalMachines int

	// Token is passed to the Discoverer.
	Token string
}

// Plan is the immutable result of partitioning the shard space.
//
// The layout is three levels deep:
//
//	ShardList   [0 1 2 3 4 5 6 7]
//	Clusters    [[0 1] [2 3] [4 5] [6 7]]
//	Groups      [[[0 1] [2 3]] [[4 5] [6 7]]]
//
// Flattening Groups gives Clusters, flattening Clusters gives ShardList.
// A Plan must not be modified after Build returns it.
type Plan struct {
	// TotalShards is the resolved shard count.
	TotalShards int `json:"total_shards"`

	// ShardsPerCluster is the effective cluster size.
	ShardsPerCluster int `json:"shards_per_cluster"`

	// TotalMachines is the requested machine count.
	TotalMachines int `json:"total_machines"`

	// ShardList holds every shard of the plan in order.
	ShardList []int `json:"shard_list"`

	// Clusters is ShardList chunked into clusters.
	Clusters []protocol.Cluster `json:"clusters"`

	// Groups is Clusters chunked into machine groups.
	Groups []protocol.Group `json:"groups"`
}

// Build resolves the shard space and partitions it.
//
// Resolution order:
//  1. TotalShards is AutoShards and ShardList is empty: ask d for the
//     recommended count (requires Token) and use the dense range.
//  2. TotalShards is AutoShards and ShardList is given: use ShardList.
//  3. Otherwise: use the dense range [0, TotalShards).
//
// The shards are then chunked into ceil(n/ShardsPerCluster) clusters of
// balanced size, and the clusters into TotalMachines groups the same way.
func Build(ctx context.Context, opts Options, d Discoverer) (*Plan, error) {
	if opts.TotalMachines < 1 {
		return nil, fmt.Errorf("%w: total machines must be at least 1, got %d", ErrInvalidOptions, opts.TotalMachines)
	}
	perCluster := opts.ShardsPerCluster
	if perCluster < 1 {
		perCluster = 1
	}

	var shards []int
	total := opts.TotalShards
	switch {
	case total == AutoShards && len(opts.ShardList) == 0:
		if opts.Token == "" {
			return nil, ErrMissingToken
		}
		if d == nil {
			return nil, fmt.Errorf("%w: no discoverer configured", ErrInvalidOptions)
		}
		n, err := d.RecommendedShards(ctx, opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discover shard count: %w", err)
		}
		total = n
		shards = denseRange(total)
	case total == AutoShards:
		shards = append([]int(nil), opts.ShardList...)
		total = len(shards)
	case total < 0:
		return nil, fmt.Errorf("%w: total shards %d", ErrInvalidOptions, total)
	default:
		shards = denseRange(total)
	}

	p := &Plan{
		TotalShards:      total,
		ShardsPerCluster: perCluster,
		TotalMachines:    opts.TotalMachines,
		ShardList:        shards,
	}
	if len(shards) == 0 {
		return p, nil
	}

	clusterCount := ceilDiv(len(shards), perCluster)
	for _, c := range Chunk(shards, ceilDiv(len(shards), clusterCount)) {
		p.Clusters = append(p.Clusters, protocol.Cluster(c))
	}
	for _, g := range Chunk(p.Clusters, ceilDiv(len(p.Clusters), opts.TotalMachines)) {
		p.Groups = append(p.Groups, protocol.Group(g))
	}
	return p, nil
}

// Flatten returns every shard of the plan by walking Groups.
func (p *Plan) Flatten() []int {
	var out []int
	for _, g := range p.Groups {
		out = append(out, g.Shards()...)
	}
	return out
}

// IndexOf returns the position of g in Groups, or -1.
func (p *Plan) IndexOf(g protocol.Group) int {
	for i, candidate := range p.Groups {
		if EqualGroups(candidate, g) {
			return i
		}
	}
	return -1
}

// ClusterIDs numbers the clusters of g globally: the first cluster of g
// gets the count of all clusters in the groups preceding g in the plan.
// The numbering depends only on the plan, never on claim order.
func (p *Plan) ClusterIDs(g protocol.Group) ([]int, error) {
	pos := p.IndexOf(g)
	if pos < 0 {
		return nil, fmt.Errorf("group %v is not part of the plan", g)
	}
	next := 0
	for _, prev := range p.Groups[:pos] {
		next += len(prev)
	}
	ids := make([]int, len(g))
	for i := range g {
		ids[i] = next
		next++
	}
	return ids, nil
}

// Chunk splits items into consecutive slices of size elements; the last
// slice may be shorter.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	out := make([][]T, 0, ceilDiv(len(items), size))
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}

func denseRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
