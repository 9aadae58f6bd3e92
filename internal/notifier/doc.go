// Package notifier delivers short operator messages (schedule fired,
// schedule failed, stream errors) back to the chat that asked for them.
//
// Notifications go through a bounded queue drained by a small worker pool.
// Sends are rate limited with a token bucket, retried with jittered
// exponential backoff and deduplicated within a short window so a flapping
// source cannot flood a chat.
package notifier
