package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/shardbridge/internal/protocol"
)

// ShardConfig describes the slice of the shard space an agent hosts. The
// client writes it into the Manager after every successful claim.
type ShardConfig struct {
	// TotalShards is the size of the whole shard space, not the local part.
	TotalShards int `json:"totalShards"`

	// ShardList is the flattened local group.
	ShardList []int `json:"shardList"`

	// TotalClusters is the number of clusters in the local group.
	TotalClusters int `json:"totalClusters"`

	// ShardClusterList is the local machine group.
	ShardClusterList protocol.Group `json:"shardClusterList"`

	// ClusterList holds the global cluster ids of ShardClusterList.
	ClusterList []int `json:"clusterList"`
}

// NewShardConfig builds the config for a claimed group.
func NewShardConfig(total int, group protocol.Group, clusterIDs []int) ShardConfig {
	return ShardConfig{
		TotalShards:      total,
		ShardList:        group.Shards(),
		TotalClusters:    len(group),
		ShardClusterList: group,
		ClusterList:      clusterIDs,
	}
}

// Cluster is one process hosting a cluster of shards.
type Cluster interface {
	// ID is the global cluster id.
	ID() int

	// ShardList returns the shards hosted by the cluster.
	ShardList() []int

	// Request delivers application data to the cluster and returns its
	// answer.
	Request(ctx context.Context, data any) (any, error)
}

// Manager runs the clusters of one agent. The client only needs the
// operations below; how clusters are spawned is up to the implementation.
type Manager interface {
	ShardConfig() ShardConfig
	SetShardConfig(cfg ShardConfig)
	Clusters() []Cluster

	// BroadcastEval evaluates script on every cluster, or on the one
	// selected by opts.Cluster, and returns one result per cluster.
	BroadcastEval(ctx context.Context, script string, opts protocol.EvalOptions) ([]any, error)

	// EvalOnCluster evaluates script on the cluster hosting opts.Shard.
	EvalOnCluster(ctx context.Context, script string, opts protocol.EvalOptions) (any, error)
}

// Restarter is implemented by managers that can restart their clusters
// one after another with the current ShardConfig.
type Restarter interface {
	RollingRestart(ctx context.Context) error
}

// ClusterForShard returns the cluster of m hosting shard.
func ClusterForShard(m Manager, shard int) (Cluster, bool) {
	for _, c := range m.Clusters() {
		for _, s := range c.ShardList() {
			if s == shard {
				return c, true
			}
		}
	}
	return nil, false
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON performs a GET with the given headers and decodes the JSON
// response into out.
func GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
