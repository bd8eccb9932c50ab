// Package migrations embeds the SQL schema migrations applied by goose.
package migrations

import "embed"

// FS holds the ordered *.sql migrations.
//
//go:embed *.sql
var FS embed.FS
