// Package models defines the domain entities of the tapedeck sync engine.
//
// Library entities are persisted by the repositories package:
//   - [Track] : one audio file in the local library, keyed by (provider, provider file id)
//   - [Artist] and [Album] : resolved by normalized name
//   - [Profile] : an authenticated provider account
//
// Sync entities describe a single run against a provider:
//   - [SyncJob] : the run's state machine, progress, stats and resume cursor
//   - [WorkItem] : one discovered remote file waiting in the scan queue
//   - [DuplicateSet] and [ConflictResolutionStats] : conflict resolution bookkeeping
//   - [SyncEvent] : notifications broadcast while a job runs
//
// The [Repository] interface defines the CRUD capability shared by library repositories.
package models
