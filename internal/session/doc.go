// Package session owns the gateway's per-client state: the registry mapping a
// client id to its active session, and the per-id queues of ICE candidates
// that arrive before the session can admit them.
//
// Every mutation of session existence goes through Registry so replacement,
// teardown and candidate replay are decided in one place.
package session
