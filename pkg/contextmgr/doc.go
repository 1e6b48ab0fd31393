// Package contextmgr ranks plugin summaries by relevance to a goal under
// token and plugin-count budgets, and accumulates per-plugin usage
// statistics as exponential moving averages. The metadata cache refreshes
// when empty or older than five minutes.
package contextmgr
