/*
Package handler is the framework pipeline handlers are written against.

A handler declares itself with a Config (name, consumed event types,
batching, claim timeout, retry budget, auth policy, optional routing
key) and implements either Handle (one event per call) or HandleBatch.
The registry validates all declarations at startup and derives the
subscription map the outbox uses to fan deliveries out; a handler that
is not in the registry receives nothing.

Handlers communicate results with an Outcome value: Ok acknowledges,
Skip acknowledges with a reason and is never retried, Fail rolls the
unit of work back and spends one retry.
*/
package handler
