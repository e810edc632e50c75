// Package hub implements the session registry that fans out updates to WebSocket sessions by domain.
//
// A single actor goroutine owns the domain -> sessions map and the dedup cache; every mutation
// arrives as a command on its channel. Each session has its own writer goroutine, so fan-out only
// enqueues frames and never waits on a socket.
package hub
