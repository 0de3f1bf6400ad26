// Package engine replays queued mutations when connectivity returns.
//
// ARCHITECTURE:
//
// Handler Registry:
// Each mutation type tag maps to one Handler that performs the network call
// for a queued payload. Tags are registered once at startup; a duplicate
// registration is an error. A queued mutation whose tag has no handler is
// dropped with a warning so the outbox cannot jam.
//
// Single-Flight Drain:
// The engine is Idle or Draining. An Offline -> Online transition (or an
// explicit DrainNow) moves it to Draining; triggers that arrive while a
// drain is running are ignored and counted. When the drain finishes the
// engine returns to Idle.
//
// Drain Flow:
//  1. Snapshot the pending mutations in ascending id order
//  2. For each: look up the handler and call it, one at a time
//  3. Success removes the mutation; failure records the attempt and moves on
//  4. Expired credentials stop the drain; the rest stay queued
//  5. After the pass, the refresh hook runs once
//
// Delivery is at-least-once: a mutation is removed only after its handler
// succeeds, so a crash between the two re-delivers it on the next drain.
package engine
