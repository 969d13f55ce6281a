// Package channel implements selectable secure and plain byte-stream
// channels sharing one capability set, so application code can mix encrypted
// and unencrypted connections under a single readiness multiplexer.
//
// The package follows a non-blocking model: Read, Write, and Accept never
// block, returning ErrWouldBlock when no progress is possible, and a Selector
// reports which registered channels are actionable. For a secure channel the
// selector additionally drives the handshake state machine (NEED_UNWRAP,
// NEED_WRAP, NEED_TASK, ESTABLISHED, CLOSING, CLOSED) on every pass, so the
// readiness it reports always reflects decrypted application bytes, never raw
// transport readiness.
//
// The cryptographic engine behind a secure channel is an opaque collaborator
// behind the Engine interface; concrete engines come from providers (see the
// provider package).
package channel
