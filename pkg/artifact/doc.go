// Package artifact stores opaque payloads under a content-addressed
// two-level sharded layout: <base>/<id[0:2]>/<id[2:4]>/<id>/artifact.dat
// with metadata.json beside it. Metadata without its payload is a critical
// inconsistency surfaced with its own error code.
package artifact
