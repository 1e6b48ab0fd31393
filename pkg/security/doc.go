/*
Package security covers the trust surface of plugin execution.

  - TokenClient mints CM and Brain service tokens from the security
    manager and caches them until shortly before their JWT expiry
  - AllowListPolicy validates declared plugin permissions against a fixed
    allow-list and flags the dangerous subset for logging
  - HMACVerifier checks manifest trust signatures over the canonical
    signing payload
*/
package security
