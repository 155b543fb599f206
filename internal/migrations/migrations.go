// Package migrations embeds the SQL schema migrations applied by goose at
// startup when the server runs against Postgres.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
