/*
Package worker runs the consumption side of the outbox.

One Worker per registered handler polls for deliveries addressed to the
handler's consumer group. Each poll cycle opens one unit of work: claim,
policy check, handler invocation and acknowledgement commit atomically,
so a crash mid-cycle releases the row locks and the deliveries come back
untouched. Retry bookkeeping for failed attempts happens in a fresh unit
of work after the poisoned transaction is rolled back.

The Pool owns the shared loops: it emits ServerStarted before the first
poll, runs the janitor that frees stale claims, and runs the Scheduler
that turns "@every <duration>" source schedules into SourceRequested
events.
*/
package worker
