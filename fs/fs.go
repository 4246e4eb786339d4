package appfs

import "embed"

// FS holds the SQL migrations, embedded into every binary.
//go:embed migrations/*.sql
var FS embed.FS
