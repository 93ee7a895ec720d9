// Package auth provides bearer token authorisation for the bridge API.
//
// Tokens are HS256 JWTs signed with the configured secret and carry a
// subject and a role. There is no user store: tokens are minted offline
// with "phynbridge token" and validated by signature and expiry only.
//
// Two roles exist:
//   - viewer: read device state, fleet status and the change feed
//   - operator: everything a viewer can, plus valve commands, preference
//     writes, on-demand sweeps and the audit log
package auth
