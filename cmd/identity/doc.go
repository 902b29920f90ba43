// Package identity is the boundary to the upstream identity provider.
//
// marketchat never authenticates anyone itself. A trusted proxy in front of the
// service verifies the caller and forwards an opaque participant id; this package
// extracts and canonicalizes that id for the HTTP and WebSocket transports.
package identity
