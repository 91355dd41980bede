// Package metrics holds the prometheus collectors, the Timer helper,
// and the process health checker behind /healthz and /livez.
package metrics
