// Package harness runs offline sync scenarios against the real queue, store
// and sync engine.
//
// A scenario is a YAML script of steps: connectivity changes, remote
// behavior changes, records queued, and drain triggers. The remote side is
// scripted in process and keeps the server's idempotency contract: a
// record resent with an already accepted key is acknowledged but not
// applied twice.
//
// Each run produces a trace of every step and every delivery attempt.
// Assertions check the final queue and what the remote applied; golden
// files pin the full trace.
//
//	name: offline_sales_reconnect
//	description: sales made offline are delivered once on reconnect
//	steps:
//	  - network: offline
//	  - enqueue: {type: sale, payload: {amount: 2000}}
//	  - sync: wake
//	  - network: online
//	  - sync: reconnect
//	assertions:
//	  - type: pending
//	    record_type: sale
//	    count: 0
package harness
