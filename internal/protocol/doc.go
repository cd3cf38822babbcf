// Package protocol defines the messages exchanged between a resident client
// and its background worker.
//
// Every message is a self-describing JSON record carried in a single
// WebSocket text frame. The Type field selects which of the remaining fields
// are meaningful; see the Type constants for the vocabulary. Messages on one
// connection are delivered in send order, nothing is ordered across
// connections.
package protocol
