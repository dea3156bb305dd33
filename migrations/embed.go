// Package migrations embeds the clinic schema migrations applied by the
// migrate and tenant commands.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
