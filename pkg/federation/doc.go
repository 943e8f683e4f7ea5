// Package federation implements the convoke federation trust layer: typed
// parsing of untrusted actor URIs, the actor directory (local actors with
// signing keys, lazily created remote actors with cached metadata), TTL-cached
// resolution of remote public keys, and the Add/Remove capability-grant
// processing that propagates cross-instance calendar-editor access.
package federation
