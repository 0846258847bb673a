// Package admission decides whether an outbound SMS may be sent right now.
//
// Two quotas are enforced at once over a rolling window: one per business
// phone number and one per account. A message is admitted only when both
// quotas have room, and it is then recorded against both. A denial in either
// dimension leaves both untouched.
//
// State is in-memory and local to the process. It is not persisted across
// restarts and is not shared between instances.
//
// Locking:
//   - each dimension has one Store guarded by one coarse lock (not per key)
//   - a Gate call holds the phone-number store for its whole duration and
//     takes the account store second, never the other way around
//   - the Sweeper locks one store at a time and never nests, so it cannot
//     deadlock against a Gate call
package admission
