// Package api exposes the authority, the coordinator and realtime
// subscriptions over HTTP, and provides the matching client.
//
// Every route except /healthz requires a bearer token; the token's subject
// is the actor. Dispatch outcomes are replies, not errors: accepted,
// conflict and rejected all return 200, except a base version from the
// future, which is a client bug and returns 400.
package api
