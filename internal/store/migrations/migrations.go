// Package migrations embeds the goose SQL migrations for the local cache.
package migrations

import "embed"

// FS holds the migration files, applied in version order by goose.
//
//go:embed *.sql
var FS embed.FS
