// Package tasks runs sync jobs for profiles against a storage provider.
//
// # Core Operations
//
// The [Coordinator] owns every run in the process:
//
//  1. [Coordinator.Run] : Synchronous sync of one profile
//     - Validates the session and builds the provider client
//     - Discovers files by full listing or change feed, filtering non-audio files
//     - Drains the scan queue through the metadata processor
//     - Resolves duplicates, renames and deletions
//     - Stores the change cursor for the next incremental run
//
//  2. [Coordinator.Start] : Same as Run on a background goroutine
//
//  3. [Coordinator.Resume] : Continues an unfinished job from its cursor and queue
//
//  4. [Coordinator.Cancel] : Stops a running job at the next item boundary
//
// # Exclusivity
//
// One job runs per profile. A second request fails with [SyncInProgressError] and leaves the
// running job untouched. Runs for different profiles are independent.
//
// # Progress Reporting
//
// Every phase change and processed item is saved on the job and emitted to the [EventBus].
// Counters come from the queue, so a resumed job reports the same totals as an uninterrupted one.
package tasks
