// Package repositories implements SQLite persistence for the library and the sync engine.
//
// Every repository runs its statements through a [DBTX], so the same code works against the
// database handle or inside a transaction opened by [Store.WithTx]. Mutations are single short
// transactions; nothing here holds a transaction open across a sync run.
//
// Key Implementations:
//   - [TrackRepository] : tracks keyed by (provider, provider file id), soft deletion via reversible markers
//   - [ArtistRepository] and [AlbumRepository] : find-or-create by normalized name
//   - [ProfileRepository] : provider accounts and their tokens
//   - [SyncJobRepository] : persisted [models.SyncJob] state machines
//   - [WorkItemRepository] : the durable backing of the scan queue
//   - [CursorRepository] : provider change cursors for incremental syncs
//
// Sequence numbers provide stable, human-readable ordering independent of UUIDs and creation timestamps.
// The [NextSequence] function atomically increments per-table sequence counters in dedicated sequence tables.
package repositories
