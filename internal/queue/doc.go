// Package queue implements the local durable queue of business records that
// could not be delivered while the device was offline.
//
// Each record type (sale, enrollment) lives in its own table. Records are
// listed in insertion order, which is the order the sync engine delivers
// them in, and stay queued until the engine confirms remote acceptance.
// Every record carries a client-generated idempotency key so the remote side
// can discard a retry whose first response was lost.
package queue
