// Package config loads process configuration from the environment (and an
// optional file) into a Config value constructed once at startup, and
// fetches per-plugin credential lists from the librarian config store with
// a small TTL cache.
package config
