// Package migrations embeds the SQL schema of the simulator's local
// database so the binary can migrate without the files on disk.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS
