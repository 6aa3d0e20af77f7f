// Package transport defines the push-transport boundary of the sync
// library and provides two implementations: a WebSocket client for
// production use and an in-process simulated transport for
// deterministic tests.
//
// The push transport delivers inbound messages, delivery-status
// changes, presence and typing updates in real time, and carries
// outbound delivery acknowledgments and typing-state calls. Delivery
// over this channel is best-effort; the status poller covers the gaps.
package transport
