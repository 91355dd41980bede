// Package domain holds the aggregates (Deposition, Convention, Record),
// their status machines, and the identity and authorization policy
// values the executor checks before invoking a handler or service
// operation.
package domain
