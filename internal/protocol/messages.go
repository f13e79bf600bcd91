package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
)

// SecureInit is the client->server handshake-init body, always sent under
// the binary handshake framing.
type SecureInit struct {
	Command         string `json:"command"`
	ClientPublicKey string `json:"client_public_key"`
}

// NewSecureInit builds a SECURE_INIT body.
func NewSecureInit(clientPublicKeyB64 string) *SecureInit {
	return &SecureInit{Command: CommandSecureInit, ClientPublicKey: clientPublicKeyB64}
}

// Encode serializes m to JSON.
func (m *SecureInit) Encode() ([]byte, error) { return json.Marshal(m) }

// SecureAck is the server->client handshake-ack body, always under the
// binary handshake framing.
type SecureAck struct {
	Command         string `json:"command"`
	Status          string `json:"status"`
	ServerPublicKey string `json:"server_public_key"`
	Error           string `json:"error,omitempty"`
}

// DecodeSecureAck parses a SECURE_ACK body.
func DecodeSecureAck(raw []byte) (*SecureAck, error) {
	var ack SecureAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, fmt.Errorf("decode SECURE_ACK: %w", err))
	}
	return &ack, nil
}

// TunnelRequest is the client->server tunnel-request body, sent encrypted
// if the session is keyed, otherwise as a legacy plaintext line.
type TunnelRequest struct {
	Command    string       `json:"command"`
	LocalPort  string       `json:"local_port"`
	Domain     string       `json:"domain"`
	RemotePort string       `json:"remote_port"`
	Token      string       `json:"token"`
	Protocol   ProtocolKind `json:"protocol"`
}

// Encode serializes m to JSON.
func (m *TunnelRequest) Encode() ([]byte, error) { return json.Marshal(m) }

// TunnelResponse is the server->client tunnel-response body. It carries no
// "command" field and is only ever expected as the single reply to a
// TunnelRequest, so it is decoded by a dedicated call rather than through
// the generic control-message decoder.
type TunnelResponse struct {
	Status     string `json:"status"`
	PublicAddr string `json:"public_addr"`
	Error      string `json:"error,omitempty"`
}

// DecodeTunnelResponse parses a TUNNEL reply body.
func DecodeTunnelResponse(raw []byte) (*TunnelResponse, error) {
	var resp TunnelResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, fmt.Errorf("decode TUNNEL response: %w", err))
	}
	return &resp, nil
}

// ControlMessage is the closed variant of messages that may arrive during
// the RUNNING loop: exactly NewConn, Heartbeat, or Unknown (logged and
// ignored).
type ControlMessage interface {
	isControlMessage()
}

// NewConn announces a fresh inbound data channel.
type NewConn struct {
	ConnID   string
	DataAddr string
}

func (NewConn) isControlMessage() {}

// Heartbeat indicates control-channel liveness.
type Heartbeat struct{}

func (Heartbeat) isControlMessage() {}

// Unknown is any other command, logged at debug and otherwise ignored.
type Unknown struct {
	Command string
}

func (Unknown) isControlMessage() {}

type rawControlMessage struct {
	Command  string `json:"command"`
	ConnID   string `json:"conn_id"`
	DataAddr string `json:"data_addr"`
}

// DecodeControlMessage parses one body arriving during the RUNNING loop
// into the closed ControlMessage variant.
func DecodeControlMessage(raw []byte) (ControlMessage, error) {
	var m rawControlMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, fmt.Errorf("decode control message: %w", err))
	}

	switch m.Command {
	case CommandNewConn:
		if m.ConnID == "" || m.DataAddr == "" {
			return nil, agenterr.New(agenterr.KindProtocol, "NEWCONN missing conn_id or data_addr")
		}
		return NewConn{ConnID: m.ConnID, DataAddr: m.DataAddr}, nil
	case CommandHeartbeat:
		return Heartbeat{}, nil
	default:
		return Unknown{Command: m.Command}, nil
	}
}
