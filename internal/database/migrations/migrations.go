// Package migrations embeds the goose SQL migration files applied by
// database.EnsureSchema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
