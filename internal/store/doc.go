// Package store persists the simulator's local state in SQLite.
//
// CredentialRepository keeps the broker credentials issued to each device
// id and remembers which device ran last; it also implements credential
// invalidation for failed gateway pairings. SettingsRepository stores
// JSON documents under string keys and backs module persistence
// (door schedule, flock).
//
// Both expect the schema from the migrations package.
package store
