// Package telemetry defines the metrics emitted by the bridge and the
// client, with no-op defaults and Prometheus implementations.
package telemetry

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes.
type Timer interface {
	ObserveDuration()
}

// BridgeMetrics is implemented by metric sinks for the bridge. All
// methods are safe for concurrent use.
type BridgeMetrics interface {
	// Connections
	ConnectionsActive(count int)
	ConnectionRejected()
	MalformedFrame()

	// Partitioning
	PlanComputed(totalShards, groups int)
	QueueLength(count int)
	ClaimCompleted(success bool)
	GroupRequeued()

	// Dispatch, labelled by message kind
	HandlerDuration(kind string) Timer
	HandlerCompleted(kind string, success bool)
}

// ClientMetrics is implemented by metric sinks for the client.
type ClientMetrics interface {
	Connected(up bool)
	Reconnect()
	HeartbeatMissed()
	ShardsOwned(count int)

	RequestDuration(kind string) Timer
	RequestCompleted(kind string, success bool)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopBridgeMetrics struct{}

func (nopBridgeMetrics) ConnectionsActive(int) {}
func (nopBridgeMetrics) ConnectionRejected()   {}
func (nopBridgeMetrics) MalformedFrame()       {}

func (nopBridgeMetrics) PlanComputed(int, int) {}
func (nopBridgeMetrics) QueueLength(int)       {}
func (nopBridgeMetrics) ClaimCompleted(bool)   {}
func (nopBridgeMetrics) GroupRequeued()        {}

func (nopBridgeMetrics) HandlerDuration(string) Timer  { return nopTimer{} }
func (nopBridgeMetrics) HandlerCompleted(string, bool) {}

// NopBridgeMetrics returns a BridgeMetrics that discards everything.
func NopBridgeMetrics() BridgeMetrics { return nopBridgeMetrics{} }

type nopClientMetrics struct{}

func (nopClientMetrics) Connected(bool)   {}
func (nopClientMetrics) Reconnect()       {}
func (nopClientMetrics) HeartbeatMissed() {}
func (nopClientMetrics) ShardsOwned(int)  {}

func (nopClientMetrics) RequestDuration(string) Timer  { return nopTimer{} }
func (nopClientMetrics) RequestCompleted(string, bool) {}

// NopClientMetrics returns a ClientMetrics that discards everything.
func NopClientMetrics() ClientMetrics { return nopClientMetrics{} }
