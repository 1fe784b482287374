package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardbridge/internal/protocol"
	"github.com/dreamware/shardbridge/internal/storage"
)

// ClusterState is the lifecycle state of a local cluster.
type ClusterState string

const (
	// ClusterStateRunning means the cluster serves requests.
	ClusterStateRunning ClusterState = "running"
	// ClusterStateRestarting means the cluster is being replaced.
	ClusterStateRestarting ClusterState = "restarting"
	// ClusterStateStopped means the cluster was retired.
	ClusterStateStopped ClusterState = "stopped"
)

// ErrClusterStopped is returned by a retired cluster.
var ErrClusterStopped = errors.New("cluster stopped")

// OperationStats counts the work done by a cluster.
type OperationStats struct {
	Requests uint64 `json:"requests"`
	Evals    uint64 `json:"evals"`
}

// ClusterInfo is a snapshot of a cluster.
type ClusterInfo struct {
	ID      int                `json:"id"`
	Shards  []int              `json:"shards"`
	State   ClusterState       `json:"state"`
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
}

// Cluster hosts a fixed set of shards in-process. Guild data requests are
// served from a per-cluster key/value store; eval requests run through
// the script evaluator.
type Cluster struct {
	id     int
	shards []int
	store  storage.Store
	eval   *Evaluator
	ops    OperationStats

	mu    sync.RWMutex
	state ClusterState
}

// NewCluster creates a running cluster whose store keeps at most
// capacity keys (0 for unbounded).
func NewCluster(id int, shards []int, capacity int, eval *Evaluator) *Cluster {
	return &Cluster{
		id:     id,
		shards: append([]int(nil), shards...),
		store:  storage.NewFIFOStore(capacity),
		eval:   eval,
		state:  ClusterStateRunning,
	}
}

func (c *Cluster) ID() int          { return c.id }
func (c *Cluster) ShardList() []int { return c.shards }

func (c *Cluster) State() ClusterState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Cluster) setState(s ClusterState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// dataOp is the payload of a guild data request handled by a cluster.
type dataOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Request serves a guild data request. The request data selects a store
// operation:
//
//	{"op": "put", "key": k, "value": v}  stores v, answers {"ok": true}
//	{"op": "get", "key": k}              answers {"found": bool, "value": v}
//	{"op": "delete", "key": k}           answers {"ok": true}
//	{"op": "keys"}                       answers {"keys": [...]}
//
// Any other payload is echoed back together with the cluster identity.
func (c *Cluster) Request(_ context.Context, data any) (any, error) {
	if c.State() == ClusterStateStopped {
		return nil, ErrClusterStopped
	}
	atomic.AddUint64(&c.ops.Requests, 1)

	payload := data
	if req, ok := data.(*protocol.GuildRequest); ok {
		payload = req.Data
	}
	op, ok := decodeOp(payload)
	if !ok {
		return map[string]any{"cluster": c.id, "shards": c.shards, "data": payload}, nil
	}

	switch op.Op {
	case "put":
		if op.Key == "" || len(op.Value) == 0 {
			return nil, errors.New("put needs a key and a value")
		}
		return map[string]any{"ok": true}, c.store.Put(op.Key, op.Value)
	case "get":
		raw, err := c.store.Get(op.Key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return map[string]any{"found": false}, nil
		}
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return map[string]any{"found": true, "value": v}, nil
	case "delete":
		return map[string]any{"ok": true}, c.store.Delete(op.Key)
	case "keys":
		return map[string]any{"keys": c.store.List()}, nil
	}
	return nil, fmt.Errorf("unknown data operation %q", op.Op)
}

func decodeOp(payload any) (dataOp, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return dataOp{}, false
	}
	if _, ok := m["op"].(string); !ok {
		return dataOp{}, false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return dataOp{}, false
	}
	var op dataOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return dataOp{}, false
	}
	return op, true
}

// Eval evaluates script in the context of this cluster.
func (c *Cluster) Eval(ctx context.Context, script string, evalCtx any) (any, error) {
	if c.State() == ClusterStateStopped {
		return nil, ErrClusterStopped
	}
	atomic.AddUint64(&c.ops.Evals, 1)
	return c.eval.Eval(ctx, Scope{ClusterID: c.id, Shards: c.shards, Context: evalCtx}, script)
}

// Info returns a snapshot of the cluster.
func (c *Cluster) Info() ClusterInfo {
	return ClusterInfo{
		ID:     c.id,
		Shards: c.shards,
		State:  c.State(),
		Ops: OperationStats{
			Requests: atomic.LoadUint64(&c.ops.Requests),
			Evals:    atomic.LoadUint64(&c.ops.Evals),
		},
		Storage: c.store.Stats(),
	}
}
