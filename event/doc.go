// Package event defines the domain event model and the sequential
// dispatcher that every asynchronous occurrence in the library passes
// through.
//
// Events form a closed tagged union over six kinds: message received,
// message sent confirmed, status changed, sync completed, presence
// changed, and typing changed. The dispatcher applies them one at a
// time in enqueue order, deduplicates by event id over a bounded recent
// window, drops events older than a staleness threshold, and fans each
// event out to the handlers registered for its kind. A failing handler
// is isolated: it is logged and neither the queue nor sibling handlers
// are affected.
//
// The same status change arriving once through the push transport and
// once through the poll fallback carries the same event id, so exactly
// one of the two is applied.
package event
