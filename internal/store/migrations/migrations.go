// Package migrations embeds the SQL schema migrations for the local replica.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
