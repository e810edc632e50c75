// Package client keeps one WebSocket connection to the hub open for a domain.
//
// A Reconnector is an event loop: dial results, timer expirations, socket closes and the public
// Connect/Close calls all arrive as events on one channel and are applied by one goroutine.
// Timer events carry the generation of the attempt that armed them, so a timer or close that
// belongs to an attempt already given up on is dropped instead of scheduling a second retry.
package client
