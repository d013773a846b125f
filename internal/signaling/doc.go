// Package signaling drives session negotiation for the gateway.
//
// Controller owns the lifecycle (offer, candidates, teardown) on top of a
// session.Registry; Server exposes it over HTTP as POST /connect,
// POST /ice-candidate and POST /disconnect for the signaling hub.
package signaling
