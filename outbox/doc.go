// Package outbox implements the background reconciler that eventually
// delivers every locally written message to the server.
//
// A send action creates a durable outbox entry in state local-only. The
// reconciler drains the outbox in passes: each pass skips entries with
// a transmission already in flight, applies capped exponential backoff
// to failed entries, and transmits the rest. Success assigns the server
// id and emits a message-sent-confirmed event; the entry is retained
// for a grace window to absorb a duplicate confirmation arriving over
// the push channel before it is purged. Failure records the error and
// leaves the entry for a later pass.
//
// Passes are single-flight: SyncNow while a pass is running is a no-op,
// not queued. Passes are triggered by a periodic timer and immediately
// on connectivity restoration. Retransmission is idempotent because the
// client-generated local id rides along as the idempotency key.
package outbox
