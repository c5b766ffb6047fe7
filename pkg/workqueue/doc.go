// Package workqueue is a small fixed-size worker pool with schedulable,
// cancellable and flushable work items. A work item is queued at most once
// at a time and never runs concurrently with itself.
package workqueue
