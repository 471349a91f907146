// Package effect orchestrates a client's conversation with the server
// authority.
//
// Machine.Step is a pure state machine: it takes the current State and
// one Event and returns the next State plus at most one Command for the
// outside world. Runner owns a State, feeds it events in FIFO order from a
// single goroutine and executes the commands it emits.
//
// Guarantees:
//   - at most one dispatch is in flight per entity
//   - pending actions are sent strictly in FIFO order
//   - a reply or network error for an abandoned dispatch is ignored,
//     because every SendDispatch carries a sequence number
//   - conflicts are retried at most MaxRetries times in a row
package effect
