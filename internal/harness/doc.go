// Package harness runs offline-sync scenarios against the real client.
//
// Each scenario gets a fresh in-memory store and its own fake REST backend
// (testutil.FakeRemote). Steps drive the offline client the way an
// application would: reads, writes, connectivity changes, backend outages
// and explicit drains. Every step appends an event to the trace, which
// assertions inspect and golden files pin down.
//
// # Scenario Format
//
//	name: offline_update_user
//	description: "An update made offline reaches the server on reconnect"
//	initial: online
//	remote:
//	  users:
//	    - { id: u1, name: Ann }
//	watch: [users]
//	steps:
//	  - read: users
//	    expect: { source: network, count: 1 }
//	  - connectivity: offline
//	  - write: UPDATE_USER
//	    payload: { id: u1, name: Bea }
//	    optimistic: { id: u1, name: Bea }
//	    expect: { outcome: queued }
//	  - connectivity: online
//	    expect: { delivered: 1 }
//	assertions:
//	  - type: outbox_count
//	    count: 0
//	  - type: remote_request
//	    method: PATCH
//	    path: /users/u1
//	    body: { name: Bea }
//	  - type: cached_item
//	    collection: users
//	    where: { id: u1 }
//	    expect: { name: Bea }
//
// # Step Kinds
//
//   - read: network-first read of a collection
//   - write: dispatch a mutation, optionally with an optimistic value
//   - connectivity: signal online or offline; coming online drains
//   - network: take the backend down or bring it up
//   - server_status: force every backend answer to an HTTP status (0 resets)
//   - drain: run a drain now
//
// # Determinism
//
// Idempotency keys come from testutil.SequenceKeys and all timestamps are
// left out of the trace. Connectivity transitions are delivered on the
// harness goroutine (Monitor.DeliverPending) and every drain is awaited
// before the next step, so the same scenario always yields the same trace.
package harness
