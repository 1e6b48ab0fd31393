/*
Package manager orchestrates step execution.

ExecuteAction drives one step through the pipeline: begin a transaction,
resolve the verb to a manifest (exact version when pinned, else the newest
host-compatible version), prepare the bundle, execute, record usage
statistics, and commit. Failures roll back, releasing the same resources a
commit would.

A verb with no handler at all takes the unknown-verb path; a verb whose
versions all fail compatibility is a resolution error.

The manager owns the reference graph: it holds the registry, executor,
tracker, context manager and unknown-verb workflow. Ownership is a DAG;
collaborators that need registry access receive narrow interfaces.
*/
package manager
