/*
Package outbox implements the transactional outbox: events are appended
in the same database transaction as the business writes that caused
them, and delivered to consumer groups through a concurrent claim
protocol on a separate deliveries table.

# Model

Two tables. The events table is append-only: one row per emitted event,
JSON payload, never updated. The deliveries table tracks consumption:
one row per (event, consumer group), moving through

	pending -> claimed -> delivered | failed | skipped

with retry accounting per row. An event whose type has no subscribers is
persisted with zero deliveries and serves as an audit entry.

# Claim protocol

Workers claim with a single SELECT ... FOR UPDATE SKIP LOCKED, so
concurrent workers of one group never see the same delivery. Backoff
after a failed attempt is enforced in the claim WHERE clause, a delivery
with n retries is invisible until min(30, 5^n) seconds after its last
update, and no worker ever sleeps on it. Claims are leases: the janitor
returns deliveries claimed for longer than the handler's claim timeout
back to pending.

The in-memory repository mirrors the same observable semantics without a
database; the test suite and dev mode run against it.
*/
package outbox
