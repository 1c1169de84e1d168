package migrate

import "embed"

// Migrations holds the SQL migrations compiled into the binary.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const embeddedDir = "migrations"
