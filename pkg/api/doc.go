// Package api is the HTTP surface of the capabilities manager: step
// execution, plugin CRUD, plugin-context generation, health, readiness and
// metrics. Failures map to status codes through their structured error and
// the full error always travels in the response body.
package api
