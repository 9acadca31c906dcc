// Package contracts provides the message envelope and error taxonomy shared by
// every agent on the bus.
//
// This package defines:
//   - Message: the typed, traced envelope routed between agents
//   - MessageType: the closed set of well-known message kinds, plus opaque extensions
//   - Payload projections: typed views over the payload of each request kind
//   - Errors: sentinels and typed errors carried by ERROR replies
//
// Messages serialize to canonical JSON and round-trip through Marshal and Unmarshal
// without loss.
package contracts
