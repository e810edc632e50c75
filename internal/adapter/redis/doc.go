// Package redis relays broadcasts between hub instances over Redis pub/sub.
//
// Every instance publishes accepted broadcasts to one channel and subscribes to it. Messages carry
// the publishing instance's origin so an instance never re-delivers its own broadcasts. The client
// is instrumented with a metrics hook and guarded by a circuit breaker hook.
package redis
