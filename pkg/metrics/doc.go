/*
Package metrics defines the Prometheus collectors for the service.

Collectors cover plugin executions (count and duration), registry indexing
and bundle preparation, container lifecycle (active instances, allocated
ports, builds), the unknown-verb workflow (resolutions, plan cache hits),
the operation tracker, and the API surface.

All collectors are registered in init; Handler returns the HTTP handler
served at /metrics.
*/
package metrics
