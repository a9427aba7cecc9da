// Package buffer provides generic, thread-safe bounded buffers with
// configurable overflow policies.
//
// The ring buffer backs every Broadcast Hub subscriber queue (DropOldest:
// a slow consumer loses its oldest undelivered messages, never stalls the
// publisher) and the broker publish queue (DropNewest: callers get an
// explicit full error during an outage instead of unbounded growth).
//
// Statistics are always collected; Prometheus export is opt-in via
// WithMetrics.
package buffer
