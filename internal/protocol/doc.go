// Package protocol defines the vocabulary shared by every side of the
// lockstep dispatch protocol: versions, snapshots, audit entries, the
// DispatchReply sum type, the wire envelopes and the error taxonomy.
//
// States and actions are opaque canonical JSON (see package ir). The
// protocol never interprets them; a Domain does.
package protocol
