// Package message defines the wire envelope, the closed set of message
// kinds, and the topic derivation rules shared by every bus backend.
// Envelopes are validated against a per-kind required-field schema before
// they ever reach a transport.
package message
