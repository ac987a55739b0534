package messaging

import "sync/atomic"

// Stats is a point-in-time snapshot of the broker's delivery counters
type Stats struct {
	Published     int64
	Delivered     int64
	Requeued      int64
	Dropped       int64
	HandlerErrors int64
}

// brokerCounters holds the live counters. Atomics because publishers and
// the delivery loop bump them from different goroutines.
type brokerCounters struct {
	published     atomic.Int64
	delivered     atomic.Int64
	requeued      atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
}

func (c *brokerCounters) snapshot() Stats {
	return Stats{
		Published:     c.published.Load(),
		Delivered:     c.delivered.Load(),
		Requeued:      c.requeued.Load(),
		Dropped:       c.dropped.Load(),
		HandlerErrors: c.handlerErrors.Load(),
	}
}
