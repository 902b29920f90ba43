// Package chat is the buyer/seller conversation core.
//
// It owns the durable records (conversations, the per-conversation message log,
// read markers) and the Service that composes them with attachment storage and
// push delivery:
//
//   - Appends are serialized per conversation, never globally.
//   - Message ids are a gap-free per-conversation sequence; created_at is assigned
//     by the store and strictly increases with the sequence.
//   - A message is handed to the Broker only after the append is durable, so a
//     pushed message is always retrievable through MessagesAfter.
//   - Delivery failures never fail a send.
//
// Transports (REST, WebSocket) live elsewhere and only call Service.
package chat
