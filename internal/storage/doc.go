// Package storage persists environments, suites, scenarios, scheduled jobs,
// runs and alert groups.
//
// Two backends implement Store: SQLite (modernc.org/sqlite, pure Go) and an
// in-memory store used by tests and the "memory" driver.
package storage
