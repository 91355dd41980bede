// Package migrations embeds the goose SQL migrations for the core tables.
// Per-hook feature tables are not migrated here; they are created at
// convention registration time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
