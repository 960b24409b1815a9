// Package types defines the scheduling envelopes that move through the
// backplane (ExecuteEntry, QueueEntry, QueuedOperation, DispatchedOperation)
// and helpers for building and inspecting longrunning Operations.
package types
