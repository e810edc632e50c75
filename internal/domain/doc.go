// Package domain defines the core types and interfaces of the update hub.
//
// Concept-oriented files (errors.go, broadcast.go, delivery.go, relay.go) hold shared types and the
// ports implemented by adapters. No implementation code - just contracts.
package domain
