// Package kanban is a multi-user kanban board domain for lockstep.
//
// A board has ordered columns, one lane of card ids per column, a WIP
// limit per column, an owner and a member set. Every transition is a pure
// function over the board's canonical JSON; package protocol never sees
// the types defined here.
//
// Invariants maintained by Apply:
//   - every card id appears in exactly one lane
//   - no lane holds more cards than its column's WIP limit
//   - the owner is always a member
package kanban
