// Package protocol implements the control-channel wire format: the three
// coexisting framings (binary handshake, encrypted message, legacy
// plaintext line) and the closed set of JSON message bodies carried over
// them.
package protocol

const (
	// FrameMagic is the leading byte of both binary framings. It
	// distinguishes them from the legacy line-terminated JSON framing and
	// from arbitrary DPI-sensitive bytes on mobile paths.
	FrameMagic byte = 0x00

	// MaxHandshakeB64Len is the maximum base64 payload length (in bytes of
	// base64 text, not decoded bytes) accepted for a handshake frame.
	MaxHandshakeB64Len = 64 * 1024

	// MaxEncryptedB64Len is the maximum base64 payload length accepted for
	// an encrypted message frame.
	MaxEncryptedB64Len = 1400 * 1024
)

// Command names for the closed control-message variant.
const (
	CommandSecureInit = "SECURE_INIT"
	CommandSecureAck  = "SECURE_ACK"
	CommandTunnel     = "TUNNEL"
	CommandNewConn    = "NEWCONN"
	CommandHeartbeat  = "HEARTBEAT"
)

// ProtocolKind is the tunnel protocol requested by the client.
type ProtocolKind string

const (
	ProtocolHTTP ProtocolKind = "http"
	ProtocolTCP  ProtocolKind = "tcp"
)
