// Package storage provides storage implementations for job persistence.
//
// This package includes:
//   - GormStorage: a GORM-based core.Storage supporting SQLite and PostgreSQL
//   - Open/OpenStorage: driver selection by name
//   - Connection pool presets
//
// Claims and cancellations are conditional updates keyed on the job's current
// status; the database is the only serialization point between workers.
package storage
