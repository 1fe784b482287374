// Package cluster defines what an agent hosts and how the shard space is
// sized and addressed.
//
// # Overview
//
// The client claims a machine group from the bridge and hands it to a
// Manager, which runs one Cluster per entry of the group. The package
// holds that contract plus the two pure functions shared by both ends of
// the bridge protocol: discovering the recommended shard count and
// hashing a guild id onto a shard.
//
//	┌──────────────┐
//	│    Bridge    │
//	└──────┬───────┘
//	       │ claim: [[0 1] [2 3]]
//	┌──────▼───────┐
//	│    Client    │
//	└──────┬───────┘
//	       │ SetShardConfig
//	┌──────▼───────┐
//	│   Manager    │
//	├──────────────┤
//	│ Cluster 0    │ shards [0 1]
//	│ Cluster 1    │ shards [2 3]
//	└──────────────┘
//
// # Core Components
//
// ShardConfig: the slice of the shard space an agent hosts
//   - TotalShards is global, ShardList is local
//   - ClusterList carries the global cluster ids from the claim
//
// Manager and Cluster: implemented by whatever runs the shards. The local
// package ships an in-process implementation used by cmd/agent.
//
// Restarter: optional. When rolling restarts are enabled the client
// restarts clusters through it after a plan change.
//
// GatewayDiscoverer: asks the gateway for the recommended shard count.
// Tokens may be configured with or without the "Bot " prefix.
//
// # Guild routing
//
// Guild ids are 64-bit snowflakes; the shard is (id >> 22) % totalShards.
// The bridge uses ShardForGuild to pick the connection whose claimed
// group contains that shard.
//
// # HTTP
//
// GetJSON uses a package client with a 5 second timeout. Non-2xx
// responses become errors carrying the status code.
package cluster
