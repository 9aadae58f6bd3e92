// Package storage persists the single pending schedule.
//
// Exactly one record is stored at a time. Drivers:
//   - file: one JSON document, replaced atomically (tmp + rename)
//   - sqlite / postgres: one row in schedule_slot (sqlx)
//   - redis: one key holding the JSON document
//
// Load reports an absent slot as (zero, false, nil). Documents that cannot be
// decoded, or decode into an invalid record, fail with ErrCorrupt so callers
// can discard them instead of crashing.
package storage
