// Package migrations embeds the SQL schema migrations for the passkey service.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
