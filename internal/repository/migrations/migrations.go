// Package migrations embeds the outcome history schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
