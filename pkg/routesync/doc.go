// Package routesync keeps the route table consistent with the route store.
//
// A Synchronizer owns one worker goroutine that drains a FIFO queue of
// change signals, so signals are applied in the order they were submitted.
// In incremental mode each signal re-reads its record from the store and
// upserts or removes a single table entry. In rebuild mode every signal
// schedules a full rebuild; signals that arrive within the debounce window
// collapse into one rebuild.
//
// Records whose mock body does not parse are never loaded. They are logged,
// counted and reported as events.SyncErrorEvent, and whatever entry the
// table already held for that id is left in place.
package routesync
