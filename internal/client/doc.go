// Package client implements the agent side of the shard bridge.
//
// A Client dials the bridge, authenticates with the handshake heartbeat
// and then heartbeats on a fixed interval. It claims a machine group with
// RequestShardData and serves the bridge's broadcast and guild requests
// through an attached cluster.Manager. When the bridge announces a plan
// that no longer contains the held group, the client re-claims after a
// grace delay, writes the new ShardConfig into the manager and, if
// enabled, triggers a rolling restart.
//
// Typical use:
//
//	c, _ := client.New(client.Options{Addr: "bridge:4444", AuthToken: secret, Role: "bot"})
//	c.Attach(manager)
//	go c.Run(ctx)
//	<-c.Ready()
//	claim, err := c.RequestShardData(ctx, client.ClaimOptions{})
package client
