// Package contracts defines the message envelope, priority levels, delivery
// states, typed payloads for well-known topics, and the error types shared
// between the broker and its subscribers.
package contracts
