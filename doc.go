// Package msgsync is an offline-first message synchronization library
// for chat clients. It keeps a durable local store of messages, an
// outbox of unsent sends, and a cached chat list; reconciles the
// outbox against the server with capped exponential backoff; falls
// back to polling for delivery-status updates the push channel missed;
// coalesces typing keystrokes into at most one network call per state
// transition; and funnels every state change through a sequential,
// deduplicating event dispatcher.
//
// The entry point is Client:
//
//	client, err := msgsync.New(api, msgsync.NewOptions())
//	if err != nil {
//		// handle
//	}
//	client.OnMessageReceived(func(msg store.Message) { ... })
//	client.Start(ctx)
//	defer client.Kill()
//
//	entry, _ := client.SendMessage("chat-1", "hello")
//
// A message sent while offline stays in the outbox as local-only and
// is transmitted automatically once connectivity returns.
package msgsync
