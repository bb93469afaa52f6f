// Package migrations bundles the Postgres schema for the crawl store.
package migrations

import "embed"

// FS holds the versioned up/down SQL files.
//
//go:embed *.sql
var FS embed.FS
