// Package migrations holds the Postgres schema of the event log.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
