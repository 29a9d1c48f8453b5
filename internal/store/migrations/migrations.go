// Package migrations embeds the SQL schema migrations for the app-owned inline.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
