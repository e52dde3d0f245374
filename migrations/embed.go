// Package migrations embeds the SQL schema for the run ledger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
