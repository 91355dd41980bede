package events

import "sort"

// Subscriber is one consumer group's interest in an event type. A
// non-empty RoutingKey narrows the interest to events appended with the
// same key, so one event type can be partitioned across handlers.
type Subscriber struct {
	Group      string
	RoutingKey string
}

// Subscriptions maps event type names to the consumer groups (handler
// names) subscribed to them. Built once at startup from the registered
// handler list and read-only afterwards. An event type with no subscribers
// is still persisted, with zero delivery rows (audit-only).
type Subscriptions struct {
	byType map[string][]Subscriber
}

// NewSubscriptions builds a frozen subscription registry from
// (eventType, subscriber) pairs.
func NewSubscriptions(pairs map[string][]Subscriber) *Subscriptions {
	byType := make(map[string][]Subscriber, len(pairs))
	for eventType, subscribers := range pairs {
		seen := make(map[string]bool, len(subscribers))
		uniq := make([]Subscriber, 0, len(subscribers))
		for _, sub := range subscribers {
			if !seen[sub.Group] {
				seen[sub.Group] = true
				uniq = append(uniq, sub)
			}
		}
		sort.Slice(uniq, func(i, j int) bool { return uniq[i].Group < uniq[j].Group })
		byType[eventType] = uniq
	}
	return &Subscriptions{byType: byType}
}

// For returns the consumer groups that get a delivery of an event of this
// type appended with this routing key. Groups subscribed without a routing
// key receive every event of the type; keyed groups only their partition.
func (s *Subscriptions) For(eventType, routingKey string) []string {
	subscribers := s.byType[eventType]
	var out []string
	for _, sub := range subscribers {
		if sub.RoutingKey == "" || sub.RoutingKey == routingKey {
			out = append(out, sub.Group)
		}
	}
	return out
}

// EventTypes returns all event types with at least one subscriber, sorted.
func (s *Subscriptions) EventTypes() []string {
	out := make([]string, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
