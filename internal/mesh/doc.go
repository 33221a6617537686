// Package mesh implements the per-client negotiation engine that turns relayed
// signaling messages into a full mesh of peer connections.
//
// Every remote participant gets one PeerConn and a small state machine
// (stable, have-local-offer, have-remote-offer, closed). Offer collisions are
// resolved deterministically: the participant with the lexicographically
// lower ID is polite and rolls back, the other ignores the colliding offer.
// Renegotiation requests pass through a per-peer coalescing worker so bursts
// of local changes produce a single offer.
package mesh
