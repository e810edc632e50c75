// Package app provides the application service layer.
//
// Orchestrates the broadcast use case: local fan-out through the hub, relay to peer instances and
// recording the outcome in the delivery ledger. Relay and ledger are optional; a single instance
// without Redis or Postgres runs with both nil.
package app
