// Package log provides structured logging via zerolog: a global logger
// initialized once with Init, and child-logger helpers that attach the
// component, consumer group, event ID or SRN fields used across the
// codebase.
package log
