// Package authority is the single source of truth for entity versions.
//
// Dispatch is the pure decision procedure: given the current server state
// and a request it either accepts the action and advances the version by
// one, or replies Conflict/Rejected without touching anything. Authority
// wraps it with storage, request-id idempotency, storage-race retry and
// realtime publishing.
package authority
