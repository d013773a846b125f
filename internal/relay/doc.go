// Package relay passes a client's inbound video back to it unmodified and
// reports every completed frame.
//
// A frame ends at an RTP packet with the marker bit set. For each one the
// relay advances the session's frame counter and hands the frame id to an
// Emitter, which must not block.
package relay
