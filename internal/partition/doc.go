// Package partition implements the shard planning layer of the bridge:
// it decides which shards exist, how they are grouped and which groups
// are still waiting for a machine.
//
// # Overview
//
// A bot's shard space is split twice. Shards are chunked into clusters
// (one process hosts one cluster), and clusters are chunked into machine
// groups (one agent hosts one group). The bridge computes this Plan once
// at startup, or again when an operator asks for it, and hands groups out
// to agents on request.
//
//	┌──────────────────────────────────────────┐
//	│              Plan                        │
//	├──────────────────────────────────────────┤
//	│  shards    0 1 2 3 4 5 6 7               │
//	│  clusters  [0 1] [2 3] [4 5] [6 7]       │
//	│  groups    [[0 1] [2 3]] [[4 5] [6 7]]   │
//	└──────────────────────────────────────────┘
//	                  │ Reset
//	                  ▼
//	┌──────────────────────────────────────────┐
//	│              Queue                       │
//	│  Claim ◀── agents ask for a group        │
//	│  Report ◀── agents reconnect with one    │
//	│  Release ◀── agents disconnect           │
//	└──────────────────────────────────────────┘
//
// # Chunking
//
// Both levels use the same balanced split. For n items and a target size
// k the number of chunks is c = ceil(n/k) and every chunk holds
// ceil(n/c) items except possibly the last. With n=5 and k=2 that gives
// [[0 1] [2 3] [4]].
//
// At the group level the target is the machine count, so with 3 clusters
// and 2 machines the groups are sized 2 and 1. Fewer groups than machines
// can result when there are fewer clusters than machines.
//
// # Cluster ids
//
// Each claim carries global cluster ids for its group: the first cluster
// is numbered by the total number of clusters in the groups before it in
// the plan. Ids therefore stay the same no matter which agent claims
// which group first.
//
// # Shard count resolution
//
// Build uses an explicit TotalShards when given. Without one it uses the
// explicit ShardList, and without both it asks a Discoverer, which needs
// a token. The cluster package provides a Discoverer backed by the
// gateway endpoint.
//
// # Thread Safety
//
// Plan values are immutable after Build. Queue guards its state with a
// single mutex; claims are short and never block on I/O.
package partition
