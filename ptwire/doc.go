// Package ptwire contains the wire encoding for powertree frames.
//
// Every frame starts with a [Header].
// The header layout depends on the frame type, the flags,
// and the [Variant] in use by the deployment:
// the source-path variant drops the claimed-parent field
// and carries an ancestor path instead.
//
// APPLICATION_DATA frames follow the header with a [DataHeader] and the payload.
//
// Decoding only fails on truncated input.
// Semantically odd values (unknown frame types, impossible powers)
// are passed through for the protocol engine to judge.
package ptwire
