// Package bridge implements the coordinating side of the shard bridge.
//
// A Bridge listens on TCP for agents. Every agent opens with a handshake
// frame carrying the shared secret and its role; connections presenting a
// wrong secret receive an access-denied frame and are closed before they
// are registered.
//
// Unless the bridge runs standalone, it computes a partition plan a short
// delay after it starts listening and keeps the plan's machine groups in a
// claim queue:
//
//	plan ──▶ queue ──claim──▶ agent A holds group 0
//	                 claim──▶ agent B holds group 1
//	agent B disconnects ──▶ group 1 requeued at the tail
//
// Beyond planning the bridge routes traffic between agents: broadcast
// evaluation across all agents of a role, guild requests to the agent
// hosting the guild's shard, client-to-client data requests, and a small
// namespaced key/value cache. Unreserved message kinds are handed to the
// application through Hooks.
//
// Responses are matched to requests by nonce through a single registry
// shared by every connection, so a forwarded request and the response
// relayed back may travel over different sockets.
package bridge
