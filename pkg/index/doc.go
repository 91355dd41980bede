// Package index defines the search backend port plus the configured
// adapters: an in-memory keyword index, a Redis keyword index, and a
// circuit-breaker wrapper that turns a misbehaving backend into
// transient failures the delivery retry path absorbs.
package index
