// Package migrations embeds the SQL migrations for the message index.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
