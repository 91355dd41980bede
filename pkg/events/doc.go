// Package events defines the event types that flow through the outbox,
// their JSON codec, the frozen name-to-decoder type registry, and the
// subscription registry mapping event types to the consumer groups that
// receive them.
package events
