// Package protocol defines the JSON wire format shared by the hub and its clients.
//
// Every frame is a Message envelope. Collaborators push a fixed vocabulary of update types;
// the hub itself only speaks the control types (connected, ping, pong, error). Decode turns an
// envelope into a typed Payload for consumers; unknown types survive as Unknown.
package protocol
