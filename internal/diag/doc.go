// Package diag persists pool diagnostics: free-form worker log records and
// one record per finished job.
//
// Drivers:
//   - "file": JSON Lines files (<prefix>.logs.jsonl, <prefix>.jobs.jsonl)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Records are write-only diagnostics; the pool never reads them back.
package diag
