// Package storage provides the schedule store, the append-only event log and
// the pet directory the dispatch engine reads from.
//
// Drivers:
//   - sqlite: embedded database file (default)
//   - postgres: shared database reachable by DSN
//   - memory: process-local, for tests and dry runs
//
// The engine itself only reads schedules and pets and appends events. The
// PutSchedule and PutPet writers exist for the surrounding CRUD layer and tests.
package storage
