package messaging

import (
	"fmt"
	"sync"
)

// subscriptionTable maps topics to handler registrations. Lookup is exact
// string match; there is no wildcard routing. Entries live until
// unsubscribed or the process exits.
type subscriptionTable struct {
	mu      sync.RWMutex
	byTopic map[string][]*Subscription
	nextID  uint64
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		byTopic: make(map[string][]*Subscription),
	}
}

// Subscription is the handle returned from Subscribe. Unsubscribe removes
// the registration by identity and is idempotent.
type Subscription struct {
	id      uint64
	service string
	topic   string
	handler Handler
	table   *subscriptionTable
}

// Service returns the subscribing service's name
func (s *Subscription) Service() string {
	return s.service
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes this registration. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.table.remove(s)
}

func (t *subscriptionTable) add(service, topic string, handler Handler) (*Subscription, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	sub := &Subscription{
		id:      t.nextID,
		service: service,
		topic:   topic,
		handler: handler,
		table:   t,
	}
	t.byTopic[topic] = append(t.byTopic[topic], sub)
	return sub, nil
}

func (t *subscriptionTable) remove(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.byTopic[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			t.byTopic[sub.topic] = append(subs[:i], subs[i+1:]...)
			if len(t.byTopic[sub.topic]) == 0 {
				delete(t.byTopic, sub.topic)
			}
			return
		}
	}
}

// forTopic returns a snapshot of the registrations for a topic in
// registration order.
func (t *subscriptionTable) forTopic(topic string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.byTopic[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*Subscription, len(subs))
	copy(out, subs)
	return out
}

// topics returns every topic with at least one registration
func (t *subscriptionTable) topics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.byTopic))
	for topic := range t.byTopic {
		out = append(out, topic)
	}
	return out
}
