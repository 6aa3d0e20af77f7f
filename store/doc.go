// Package store provides the persistent local state for the message
// synchronization library: a read-through message cache keyed by chat,
// the durable outbox of writes not yet confirmed by the server, and a
// cached chat list.
//
// Two implementations are provided. SQLiteStore persists across process
// restarts and is the production backend; MemoryStore backs tests and
// ephemeral sessions. Both satisfy the same contract: every call is
// atomic on its own, outbox lookups by chat and by sync state do not
// scan the whole partition, and failures propagate to the caller
// without internal retries.
//
// Example:
//
//	st, err := store.OpenSQLite("/var/lib/app/msgsync.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
//	entries, err := st.ListOutboxEntries("")
package store
