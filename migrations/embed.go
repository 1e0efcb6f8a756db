// Package migrations embeds all SQL migration files so the binary is
// self-contained and can be deployed without a migrations directory on disk.
package migrations

import "embed"

// FS contains all *.sql migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS
