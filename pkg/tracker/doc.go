/*
Package tracker owns the active-operation table and resource records.

Every step execution begins a transaction that accumulates the resources
it holds (bundle directories, container instances). Commit and rollback
release the same resources and are idempotent. A periodic sweeper drops
operations older than 30 minutes and idle resource records past the same
threshold, so a crashed invocation can never pin resources forever.
*/
package tracker
