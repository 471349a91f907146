// Package harness runs collaboration scenarios against a real authority.
//
// A scenario is a YAML file naming boards, the clients that work on them and
// an ordered list of steps. Each run gets a fresh in-memory SQLite store and
// a deterministic clock, so the trace a scenario produces is reproducible
// and can be compared against a golden file.
//
// Clients are driven synchronously: every dispatch command the effect
// machine emits is sent to the authority before the next step runs. Two
// clients therefore only see each other's writes through a realtime step or
// through the conflict path, which is exactly what the scenarios exercise.
//
// Steps:
//
//	dispatch  a direct server dispatch by an actor, optionally at a pinned base version
//	multi     a multi-board dispatch through the coordinator
//	client    a client event: do (local action), offline, online, realtime or tick
//
// Assertions check the final server state, a client's state, or how often a
// reply status appears in the trace.
package harness
