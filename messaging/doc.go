// Package messaging implements the in-process service bus core:
//   - Broker: priority-ordered delivery loop with exponential-backoff
//     redelivery and per-handler failure isolation
//   - Subscription: exact-topic handler registration with idempotent removal
//   - Communicator: per-service facade that stamps sources, logs traffic,
//     and adds Broadcast/SendToService/Respond/Request conveniences
//
// Delivery is fire and forget: Publish returns an envelope id before any
// attempt is made, and retry exhaustion is only observable in the broker's
// log and counters. Queued envelopes do not survive the process.
//
// The broker is an explicit object, not a package singleton; tests and
// applications may run several independent instances.
package messaging
