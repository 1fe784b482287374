// Package storage provides the bounded in-memory stores behind the
// bridge cache.
//
// # Overview
//
// Agents share small pieces of state through the bridge: a value set by
// one agent under a path and key can be read by any other. The bridge
// keeps each path in its own FIFOStore so that one busy path cannot push
// another path's keys out.
//
//	┌─────────────────────────────────────┐
//	│           Namespaces                │
//	├─────────────────────────────────────┤
//	│  "sessions" → FIFOStore (cap 1000)  │
//	│  "ratelimit" → FIFOStore (cap 1000) │
//	└─────────────────────────────────────┘
//
// # Eviction
//
// A FIFOStore never holds more than its capacity. When a new key arrives
// at a full store, the key that was inserted first is dropped. Overwriting
// an existing key does not count as an insert and does not move the key.
//
//	cap=2: put a, put b, put c  →  [b c]
//	cap=2: put a, put b, put a  →  [a b]
//
// # Values
//
// Values are opaque bytes; the bridge stores them in the encoding of its
// wire codec. Get and Put copy, so callers may reuse their buffers.
//
// # Thread Safety
//
// FIFOStore uses a RWMutex: reads run in parallel, writes are exclusive.
// Namespaces creates stores lazily under its own mutex.
package storage
