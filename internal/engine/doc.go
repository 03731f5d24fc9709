// Package engine drains the offline mutation queue against the hosted
// backend.
//
// One logical drain pass runs at a time per process. The pass re-reads
// the queue from the durable store (the UI may have enqueued or
// cancelled items since the last pass), replays mutations in enqueue
// order, and converts every replay failure into per-mutation
// bookkeeping: a failing mutation never aborts the pass for the ones
// behind it. Only a storage fault aborts a pass, and the next trigger
// re-attempts from a clean re-read.
//
// Retry policy is a flat per-mutation attempt count (MaxRetries). A
// mutation that exhausts its attempts is dropped from the queue,
// counted as a permanent failure, and reported through the
// OnPermanentFailure hook so its optimistic entity can be flagged as
// orphaned instead of silently vanishing.
//
// Passes are triggered three ways: the connectivity monitor's
// offline-to-online edge, a startup kick when the process begins online
// with a non-empty queue, and explicit RequestDrain calls ("sync now").
// All three funnel through the same single-flight state machine
// {idle, draining, drain-requested}; triggering during an active pass
// schedules at most one follow-up pass, after a short delay.
package engine
