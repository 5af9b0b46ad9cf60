// Package store implements the per-domain project store on SQLite.
//
// A Store owns one database file holding four tables: project, phase, task
// and blockers. It performs all creation, lookup and listing, maintains the
// phase follows chain, and enforces referential integrity on delete and
// move. Every multi-row change runs inside a single transaction; writers are
// serialized per Store while readers proceed concurrently.
//
// Lookups return Records (ProjectRecord, PhaseRecord, TaskRecord) that keep
// a non-owning reference to the Store and a tracking.Wrapper over their row.
// Record mutations persist through the Store save paths.
package store
