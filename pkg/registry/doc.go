/*
Package registry resolves action verbs to plugin manifests and prepares
their bundles for execution.

# Architecture

The registry aggregates one or more Repository backends (a BoltDB store
that is the write target, a read-through inline plugin directory) and owns
two in-memory indices built over them:

  - id -> version -> manifest
  - verb -> set of plugin ids

Index reads take a read lock; Store and Delete serialize behind the write
half. Resolution follows semver: FetchOne without a version returns the
highest version of an id, FetchAllVersionsByVerb returns every version of
every id mapped to a verb, newest first.

# Bundle materialization

PreparePluginForExecution turns a manifest into an on-disk bundle root:

  - inline packages resolve into <plugin-root>/<verb>
  - git packages are cloned into <cache-root>/<id>/<commit|branch>/ and
    reused; a commit-pinned clone is immutable forever, a branch clone is
    refreshed past its TTL

Concurrent preparations of the same (id, ref) are serialized by a keyed
lock so clones never race on directory creation. Subprocess plugins also
get a python virtual environment installed from requirements.txt, with an
md5 marker file preventing reinstalls of unchanged bundles.

# Validation

Store validates required manifest fields and semver, checks the entry
point for non-remote languages, verifies the trust signature and the
declared permissions through the injected SignatureVerifier and
PermissionPolicy.
*/
package registry
