package partition

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardbridge/internal/protocol"
)

func mustBuild(t *testing.T, opts Options) *Plan {
	t.Helper()
	p, err := Build(context.Background(), opts, nil)
	require.NoError(t, err)
	return p
}

// TestBuildEightShardsTwoMachines verifies the canonical layout of eight
// shards, two per cluster, over two machines.
func TestBuildEightShardsTwoMachines(t *testing.T) {
	p := mustBuild(t, Options{TotalShards: 8, ShardsPerCluster: 2, TotalMachines: 2})

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, p.ShardList)
	assert.Equal(t, []protocol.Cluster{{0, 1}, {2, 3}, {4, 5}, {6, 7}}, p.Clusters)
	assert.Equal(t, []protocol.Group{
		{{0, 1}, {2, 3}},
		{{4, 5}, {6, 7}},
	}, p.Groups)
	assert.Equal(t, 8, p.TotalShards)
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		clusters []protocol.Cluster
		groups   []protocol.Group
		total    int
	}{
		{
			name:     "uneven clusters",
			opts:     Options{TotalShards: 5, ShardsPerCluster: 2, TotalMachines: 1},
			clusters: []protocol.Cluster{{0, 1}, {2, 3}, {4}},
			groups:   []protocol.Group{{{0, 1}, {2, 3}, {4}}},
			total:    5,
		},
		{
			name:     "uneven groups",
			opts:     Options{TotalShards: 3, ShardsPerCluster: 1, TotalMachines: 2},
			clusters: []protocol.Cluster{{0}, {1}, {2}},
			groups:   []protocol.Group{{{0}, {1}}, {{2}}},
			total:    3,
		},
		{
			name:     "more machines than clusters",
			opts:     Options{TotalShards: 2, ShardsPerCluster: 2, TotalMachines: 4},
			clusters: []protocol.Cluster{{0, 1}},
			groups:   []protocol.Group{{{0, 1}}},
			total:    2,
		},
		{
			name:     "explicit shard list",
			opts:     Options{TotalShards: AutoShards, ShardList: []int{4, 9, 11}, ShardsPerCluster: 2, TotalMachines: 1},
			clusters: []protocol.Cluster{{4, 9}, {11}},
			groups:   []protocol.Group{{{4, 9}, {11}}},
			total:    3,
		},
		{
			name:     "explicit total wins over list",
			opts:     Options{TotalShards: 2, ShardList: []int{7, 8, 9}, ShardsPerCluster: 1, TotalMachines: 1},
			clusters: []protocol.Cluster{{0}, {1}},
			groups:   []protocol.Group{{{0}, {1}}},
			total:    2,
		},
		{
			name:     "zero cluster size means one",
			opts:     Options{TotalShards: 2, TotalMachines: 1},
			clusters: []protocol.Cluster{{0}, {1}},
			groups:   []protocol.Group{{{0}, {1}}},
			total:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustBuild(t, tt.opts)
			assert.Equal(t, tt.clusters, p.Clusters)
			assert.Equal(t, tt.groups, p.Groups)
			assert.Equal(t, tt.total, p.TotalShards)
			assert.Equal(t, p.ShardList, p.Flatten(), "groups must flatten back to the shard list")
		})
	}
}

// TestBuildFlattenInvariant checks the flatten property across a grid of
// shapes, including the empty shard space.
func TestBuildFlattenInvariant(t *testing.T) {
	for n := 0; n <= 17; n++ {
		for k := 1; k <= 5; k++ {
			for m := 1; m <= 4; m++ {
				p := mustBuild(t, Options{TotalShards: n, ShardsPerCluster: k, TotalMachines: m})
				if n == 0 {
					assert.Empty(t, p.Groups)
					continue
				}
				var fromClusters []int
				for _, c := range p.Clusters {
					fromClusters = append(fromClusters, c...)
				}
				assert.Equal(t, p.ShardList, fromClusters, "n=%d k=%d m=%d", n, k, m)
				assert.Equal(t, p.ShardList, p.Flatten(), "n=%d k=%d m=%d", n, k, m)
				assert.LessOrEqual(t, len(p.Groups), m)
			}
		}
	}
}

func TestBuildDiscovery(t *testing.T) {
	var gotToken string
	d := DiscovererFunc(func(_ context.Context, token string) (int, error) {
		gotToken = token
		return 4, nil
	})

	p, err := Build(context.Background(), Options{TotalShards: AutoShards, ShardsPerCluster: 2, TotalMachines: 2, Token: "abc"}, d)
	require.NoError(t, err)
	assert.Equal(t, "abc", gotToken)
	assert.Equal(t, 4, p.TotalShards)
	assert.Len(t, p.Groups, 2)
}

func TestBuildErrors(t *testing.T) {
	boom := errors.New("gateway down")
	failing := DiscovererFunc(func(context.Context, string) (int, error) { return 0, boom })

	tests := []struct {
		name string
		opts Options
		d    Discoverer
		want error
	}{
		{"no machines", Options{TotalShards: 4}, nil, ErrInvalidOptions},
		{"auto without token", Options{TotalShards: AutoShards, TotalMachines: 1}, failing, ErrMissingToken},
		{"auto without discoverer", Options{TotalShards: AutoShards, TotalMachines: 1, Token: "x"}, nil, ErrInvalidOptions},
		{"negative total", Options{TotalShards: -5, TotalMachines: 1}, nil, ErrInvalidOptions},
		{"discovery failure", Options{TotalShards: AutoShards, TotalMachines: 1, Token: "x"}, failing, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(context.Background(), tt.opts, tt.d)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuildZeroShardsIsEmpty(t *testing.T) {
	p, err := Build(context.Background(), Options{TotalShards: 0, TotalMachines: 2}, nil)
	require.NoError(t, err, "zero shards must not trigger discovery")
	assert.Equal(t, 0, p.TotalShards)
	assert.Empty(t, p.Groups)
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3}}, Chunk([]int{1, 2, 3}, 2))
	assert.Empty(t, Chunk([]int{}, 3))
	assert.Equal(t, [][]string{{"a"}, {"b"}}, Chunk([]string{"a", "b"}, 0))

	// Chunks must not alias each other's capacity.
	parts := Chunk([]int{1, 2, 3, 4}, 2)
	parts[0] = append(parts[0], 99)
	assert.Equal(t, []int{3, 4}, parts[1])
}

func TestClusterIDs(t *testing.T) {
	p := mustBuild(t, Options{TotalShards: 10, ShardsPerCluster: 2, TotalMachines: 3})
	// 5 clusters over 3 machines: groups of 2, 2 and 1.
	require.Len(t, p.Groups, 3)

	ids, err := p.ClusterIDs(p.Groups[0])
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ids)

	ids, err = p.ClusterIDs(p.Groups[2])
	require.NoError(t, err)
	assert.Equal(t, []int{4}, ids)

	_, err = p.ClusterIDs(protocol.Group{{42}})
	assert.Error(t, err)
}

// TestClaimInOrder hands out both groups of a two-machine plan and then
// reports an empty queue.
func TestClaimInOrder(t *testing.T) {
	p := mustBuild(t, Options{TotalShards: 8, ShardsPerCluster: 2, TotalMachines: 2})
	q := NewQueue()
	q.Reset(p)

	first, err := q.Claim(0)
	require.NoError(t, err)
	assert.Equal(t, p.Groups[0], first.Group)
	assert.Equal(t, []int{0, 1}, first.ClusterIDs)
	assert.Equal(t, 8, first.TotalShards)

	second, err := q.Claim(0)
	require.NoError(t, err)
	assert.Equal(t, p.Groups[1], second.Group)
	assert.Equal(t, []int{2, 3}, second.ClusterIDs)

	assert.Equal(t, 0, q.Len())
	_, err = q.Claim(0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestClaimWithoutPlan(t *testing.T) {
	_, err := NewQueue().Claim(0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestClaimMaxClusters(t *testing.T) {
	// Groups sized 2, 2, 1.
	p := mustBuild(t, Options{TotalShards: 5, ShardsPerCluster: 1, TotalMachines: 3})
	require.Equal(t, []int{2, 2, 1}, []int{len(p.Groups[0]), len(p.Groups[1]), len(p.Groups[2])})

	q := NewQueue()
	q.Reset(p)

	c, err := q.Claim(1)
	require.NoError(t, err)
	assert.Equal(t, protocol.Group{{4}}, c.Group)
	assert.Equal(t, []int{4}, c.ClusterIDs, "ids follow plan position, not claim order")

	_, err = q.Claim(1)
	assert.ErrorIs(t, err, ErrNoGroupSmallEnough)
	assert.Contains(t, err.Error(), "less than 2 clusters")
	assert.Equal(t, 2, q.Len(), "failed claim must not remove anything")

	c, err = q.Claim(2)
	require.NoError(t, err)
	assert.Equal(t, p.Groups[0], c.Group, "stable sort keeps plan order among equal sizes")
}

func TestReport(t *testing.T) {
	p := mustBuild(t, Options{TotalShards: 8, ShardsPerCluster: 2, TotalMachines: 2})
	q := NewQueue()
	q.Reset(p)

	assert.True(t, q.Report(protocol.Group{{4, 5}, {6, 7}}))
	assert.Equal(t, []protocol.Group{p.Groups[0]}, q.Snapshot())

	assert.False(t, q.Report(protocol.Group{{4, 5}, {6, 7}}), "second report is a no-op")
	assert.False(t, q.Report(protocol.Group{{9}}))
	assert.Equal(t, 1, q.Len())
}

// TestReleaseAppendsToTail checks that a released group returns to the
// back of the queue exactly once.
func TestReleaseAppendsToTail(t *testing.T) {
	p := mustBuild(t, Options{TotalShards: 12, ShardsPerCluster: 2, TotalMachines: 3})
	q := NewQueue()
	q.Reset(p)

	held, err := q.Claim(0)
	require.NoError(t, err)

	assert.True(t, q.Release(held.Group))
	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, held.Group, snap[2])

	assert.False(t, q.Release(held.Group), "already queued")
	assert.False(t, q.Release(protocol.Group{{100}}), "not part of the plan")
	assert.False(t, q.Release(nil))
	assert.Equal(t, 3, q.Len())
}

func TestResetForgetsOldPlan(t *testing.T) {
	old := mustBuild(t, Options{TotalShards: 4, ShardsPerCluster: 2, TotalMachines: 2})
	q := NewQueue()
	q.Reset(old)
	held, err := q.Claim(0)
	require.NoError(t, err)

	q.Reset(mustBuild(t, Options{TotalShards: 6, ShardsPerCluster: 3, TotalMachines: 1}))
	assert.False(t, q.Release(held.Group), "stale group from the previous plan")
	assert.Equal(t, 1, q.Len())
}

func TestResetKeepsHeldGroups(t *testing.T) {
	p := mustBuild(t, Options{TotalShards: 12, ShardsPerCluster: 2, TotalMachines: 3})
	q := NewQueue()
	q.Reset(p, p.Groups[1], protocol.Group{{100}})

	assert.Equal(t, []protocol.Group{p.Groups[0], p.Groups[2]}, q.Snapshot())
	assert.False(t, q.Release(p.Groups[0]), "already queued")
	assert.True(t, q.Release(p.Groups[1]), "held group can come back")
	assert.Equal(t, 3, q.Len())
}

// TestConcurrentClaims ensures no group is handed out twice.
func TestConcurrentClaims(t *testing.T) {
	p := mustBuild(t, Options{TotalShards: 64, ShardsPerCluster: 1, TotalMachines: 32})
	q := NewQueue()
	q.Reset(p)

	var mu sync.Mutex
	seen := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := q.Claim(0)
			if err != nil {
				return
			}
			mu.Lock()
			seen[c.ClusterIDs[0]]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 32)
	for id, n := range seen {
		assert.Equal(t, 1, n, "group starting at cluster %d claimed twice", id)
	}
	assert.Equal(t, 0, q.Len())
}
