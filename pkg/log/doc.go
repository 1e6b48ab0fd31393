/*
Package log owns the root zerolog logger.

Init parses the configured level and selects console or JSON output;
WithComponent derives the per-package logger every component logs through,
so each line carries its origin. Per-invocation fields (trace_id,
plugin_id, operation_id) are attached at call sites with zerolog's With —
they vary per request and don't belong on a shared logger.
*/
package log
