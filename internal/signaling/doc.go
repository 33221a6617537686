// Package signaling is the WebSocket transport in front of the relay.
//
// One Hub goroutine owns the relay.Relay and is the only code that mutates
// it. Each connection runs a read pump, which parses client messages into
// relay events, and a write pump, which drains the connection's bounded send
// queue and sends keepalive pings. A connection whose queue fills up is
// dropped and treated as disconnected.
package signaling
