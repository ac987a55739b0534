// Package relay bridges the in-process bus to an AMQP fanout exchange so
// separate processes can share the notification topics. It is best effort
// by design; the local broker's delivery guarantees are unchanged.
package relay
