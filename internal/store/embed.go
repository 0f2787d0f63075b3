package store

import "embed"

// MigrationFS embeds the schema migrations so the binary carries its own
// schema and never depends on files present on disk at deploy time.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
