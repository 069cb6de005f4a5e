// Package engine drains the local durable queue to the remote endpoints.
//
// State machine:
//
//	Idle -> Triggered -> Draining -> {Sending -> Success|Failure}* -> Idle
//
// Triggers (start, reconnect, wake, manual) are coalesced into a size-1
// signal channel and consumed by a single Run goroutine. A drain walks each
// record type in enqueue order with one remote call in flight per type. A
// failed record stays queued and the drain moves on to the next one; a
// delivered record is removed by local ID.
//
// Record types are drained one after another by default. With
// WithParallelTypes each type gets its own goroutine; ordering within a type
// is unchanged.
package engine
