// Package peerclient is the participant side of the signaling protocol: a
// WebSocket connection that feeds the mesh negotiation engine, plus helpers
// for the server's HTTP API.
package peerclient
