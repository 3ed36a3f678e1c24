// Package pending implements the optimistic edit buffer.
//
// A Buffer accumulates record edits for one editing session. AddPendingChange
// applies each edit to the shared record cache at once and queues it;
// SavePendingChanges coalesces the queue into one operation per record and sends
// one bulk call per table. Flushes are driven by an idle ticker, by explicit calls,
// and by a single deferred retry when edits arrive while a flush is running.
//
// Coalescing rules, applied in arrival order per record:
//
//	delete or undelete         replaces any earlier operation
//	update after update        merges fields, later values win
//	update after undelete      merges fields into the undelete
//	update after delete        dropped
//
// Entries leave the queue only after the bulk call for their table succeeded.
// Failed tables stay queued and are retried passively by the next tick.
package pending
