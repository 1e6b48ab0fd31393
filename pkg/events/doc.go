/*
Package events fans lifecycle signals out to named subscriptions.

Components publish events (plugin stored, execution finished, container
started, plan cached) and consumers drain them from buffered per-
subscription channels. Delivery is synchronous on the publisher's
goroutine and never blocks it: a subscription that falls behind its
buffer loses events, and every loss is counted against the subscriber's
name in the metrics so lag is attributable.

The broker is process-local observability, not state.
*/
package events
