/*
Package executor runs plugin invocations through per-language strategies.

Every invocation passes the same pipeline: validate inputs against the
manifest's definitions, enforce the declared permissions, load per-plugin
credentials, mint service tokens into the handler environment, inject
service URLs, then dispatch on the manifest language:

  - sandbox-script: evaluate the entry point in a restricted in-process
    interpreter enforcing the declared limits — timeout, module and API
    allow-lists (only allowed symbols are loaded), and a memory budget
    watchdog
  - subprocess-script: spawn the bundle's runtime, inputs on stdin as
    JSON, outputs on stdout, stderr captured into bounded buffers
  - container: build, start, execute and stop through the container
    manager; stop runs on every exit path
  - openapi: build an HTTP request with path/query/body mapping and
    API-key, bearer or basic authentication
  - mcp: resolve the service from MCP_SERVICE_<NAME>_URL and map named
    response fields to the declared outputs
  - internal: return the sentinel output the caller handles itself

All paths produce a non-empty PluginOutput list; failures become a single
unsuccessful output whose result is the structured error. The one exception
is an openapi call answered with a non-2xx status: it yields an unsuccessful
primary output carrying the response body, followed by the statusCode and
responseTime outputs.
*/
package executor
