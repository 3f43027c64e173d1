package migrations

import "embed"

// FS contains embedded SQLite migrations for the join-request store.
//
//go:embed *.sql
var FS embed.FS
