// Package migrations embeds the system database schema migrations.
package migrations

import "embed"

// FS holds the SQL migration files applied to the system database.
//
//go:embed *.sql
var FS embed.FS
