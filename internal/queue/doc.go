// Package queue provides the pending-envelope buffer used by the broker,
// ordered by priority, eligibility time, and insertion order.
package queue
