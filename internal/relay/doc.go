// Package relay holds the signaling server's room state: which participant is
// in which room, what each participant reported about itself, and the chat
// history of every live room.
//
// Relay is a pure state machine. It performs no I/O and is not safe for
// concurrent use; the signaling hub owns the only instance and feeds it one
// event at a time, which gives every room a single total order of events.
package relay
