// Package migrations embeds the schema migrations so the migrator binary
// ships self-contained.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
