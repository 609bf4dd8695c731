// Package migrations embeds the schema for each supported database driver.
package migrations

import "embed"

// Files under sqlite/ and postgres/ are applied in filename order and
// checksummed once applied; never edit a released file, add a new one.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
