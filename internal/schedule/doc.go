// Package schedule implements the single-slot deferred stream scheduler.
//
// At most one schedule exists at a time. Accepting a new one replaces the
// previous one, in memory and in the durable store. The lifecycle is:
//
//	Empty -> Armed -> Firing -> Empty
//
// plus a one-shot Recovering pass at startup that re-arms a persisted future
// schedule and discards a stale one without executing it.
//
// Timers carry a generation number; a callback whose generation no longer
// matches the slot is ignored, so a replaced or cancelled schedule never fires
// and a finishing action never clears a newer schedule.
package schedule
