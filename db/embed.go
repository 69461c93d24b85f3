// Package db provides embedded database schema and migration files.
package db

import _ "embed"

// Schema contains the PostgreSQL DDL for bags, orders, order items and the
// order event outbox.
//
//go:embed migrations/001_schema.sql
var Schema string
