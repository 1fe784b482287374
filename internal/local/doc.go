// Package local is an in-process cluster manager for agents.
//
// Each claimed cluster becomes a Cluster holding its shards, a bounded
// key/value store serving guild data requests, and operation counters.
// Broadcast and guild eval scripts are Go snippets run by the yaegi
// interpreter:
//
//	┌──────────── Manager ────────────┐
//	│ ShardConfig (from the claim)    │
//	│ ┌ Cluster 0 ┐ ┌ Cluster 1 ┐     │
//	│ │ shards    │ │ shards    │ ... │
//	│ │ store     │ │ store     │     │
//	│ └───────────┘ └───────────┘     │
//	│ Evaluator (yaegi)               │
//	└─────────────────────────────────┘
//
// Rolling restarts replace clusters one at a time so that at most one
// cluster position is in transition at any moment.
package local
