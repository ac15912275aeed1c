// Package mysql provides SQL-backed stores for agent credentials, merchant
// API listings and vault activity. It runs against MySQL in production and
// against SQLite for single-node deployments, with embedded per-dialect
// schema migrations.
package mysql
