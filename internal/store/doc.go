// Package store provides durable storage for lockstep entities.
//
// Each entity row carries its authoritative version and state. Writes go
// through Commit, which compares the version the caller read against the
// stored one and fails with protocol.ErrStorageRace when another writer got
// there first. A multi-entity Commit is one transaction: every compare
// passes and every row is written, or nothing is.
//
// Memory implements the same contract without SQLite for tests and the
// scenario harness.
package store
