package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
)

func TestHandshakeFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	fr := NewFrameReader(&buf)

	payload, err := json.Marshal(map[string]string{"command": "SECURE_INIT", "client_public_key": "abc"})
	if err != nil {
		t.Fatal(err)
	}

	if err := fw.WriteHandshake(payload); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	got, err := fr.ReadHandshake()
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %s, want %s", got, payload)
	}
}

func TestEncryptedFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	fr := NewFrameReader(&buf)

	record := bytes.Repeat([]byte{0x42}, 128)
	if err := fw.WriteEncrypted(record); err != nil {
		t.Fatalf("WriteEncrypted: %v", err)
	}

	got, err := fr.ReadEncrypted()
	if err != nil {
		t.Fatalf("ReadEncrypted: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Fatalf("round trip mismatch")
	}
}

func TestHandshakeAndEncryptedFrameCarryOverBuffer(t *testing.T) {
	// Regression for the decoder's single-bufio.Reader contract: a
	// SECURE_ACK and the first encrypted frame arriving in one read must
	// both be retrievable without dropping bytes between framings.
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	ack, _ := json.Marshal(map[string]string{"command": "SECURE_ACK", "status": "OK"})
	if err := fw.WriteHandshake(ack); err != nil {
		t.Fatal(err)
	}
	record := []byte("first-encrypted-record")
	if err := fw.WriteEncrypted(record); err != nil {
		t.Fatal(err)
	}

	fr := NewFrameReader(&buf)
	gotAck, err := fr.ReadHandshake()
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if !bytes.Equal(gotAck, ack) {
		t.Fatalf("ack mismatch")
	}

	gotRecord, err := fr.ReadEncrypted()
	if err != nil {
		t.Fatalf("ReadEncrypted: %v", err)
	}
	if !bytes.Equal(gotRecord, record) {
		t.Fatalf("record mismatch")
	}
}

func TestLineFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	fr := NewFrameReader(&buf)

	payload := []byte(`{"command":"TUNNEL"}`)
	if err := fw.WriteLine(payload); err != nil {
		t.Fatal(err)
	}

	got, err := fr.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %s want %s", got, payload)
	}
}

func TestReadHandshakeBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x01, 0, 0, 0, 0})
	fr := NewFrameReader(buf)
	_, err := fr.ReadHandshake()
	if agenterr.KindOf(err) != agenterr.KindProtocol {
		t.Fatalf("expected KindProtocol, got %v (%v)", agenterr.KindOf(err), err)
	}
}

func TestReadHandshakeOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(FrameMagic)
	lenBuf := make([]byte, 4)
	// LEN > 64 KiB
	lenBuf[0] = 0x00
	lenBuf[1] = 0x01
	lenBuf[2] = 0x00
	lenBuf[3] = 0x01
	buf.Write(lenBuf)

	fr := NewFrameReader(&buf)
	_, err := fr.ReadHandshake()
	if agenterr.KindOf(err) != agenterr.KindProtocol {
		t.Fatalf("expected KindProtocol for oversize length, got %v", err)
	}
}

func TestReadEncryptedOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(FrameMagic)
	lenBuf := make([]byte, 4)
	// LEN > 1400 KiB
	big := uint32(MaxEncryptedB64Len + 1)
	lenBuf[0] = byte(big >> 24)
	lenBuf[1] = byte(big >> 16)
	lenBuf[2] = byte(big >> 8)
	lenBuf[3] = byte(big)
	buf.Write(lenBuf)

	fr := NewFrameReader(&buf)
	_, err := fr.ReadEncrypted()
	if agenterr.KindOf(err) != agenterr.KindProtocol {
		t.Fatalf("expected KindProtocol for oversize length, got %v", err)
	}
}

func TestReadHandshakeEOFBecomesServerClosed(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	fr := NewFrameReader(buf)
	_, err := fr.ReadHandshake()
	if !agenterr.IsServerClosed(err) {
		t.Fatalf("expected server-closed sentinel, got %v", err)
	}
}

func TestReadHandshakeInvalidBase64(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(FrameMagic)
	payload := []byte("not-valid-base64!!")
	lenBuf := make([]byte, 4)
	n := uint32(len(payload))
	lenBuf[3] = byte(n)
	buf.Write(lenBuf)
	buf.Write(payload)

	fr := NewFrameReader(&buf)
	_, err := fr.ReadHandshake()
	if agenterr.KindOf(err) != agenterr.KindProtocol {
		t.Fatalf("expected KindProtocol for invalid base64, got %v", err)
	}
}

func TestDecodeControlMessage(t *testing.T) {
	msg, err := DecodeControlMessage([]byte(`{"command":"NEWCONN","conn_id":"c1","data_addr":"1.2.3.4:5000"}`))
	if err != nil {
		t.Fatal(err)
	}
	nc, ok := msg.(NewConn)
	if !ok {
		t.Fatalf("expected NewConn, got %T", msg)
	}
	if nc.ConnID != "c1" || nc.DataAddr != "1.2.3.4:5000" {
		t.Fatalf("unexpected NewConn: %+v", nc)
	}

	msg, err = DecodeControlMessage([]byte(`{"command":"HEARTBEAT"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := msg.(Heartbeat); !ok {
		t.Fatalf("expected Heartbeat, got %T", msg)
	}

	msg, err = DecodeControlMessage([]byte(`{"command":"SOMETHING_ELSE"}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := msg.(Unknown)
	if !ok || u.Command != "SOMETHING_ELSE" {
		t.Fatalf("expected Unknown{SOMETHING_ELSE}, got %+v", msg)
	}
}

func TestDecodeSecureAckAndTunnelResponse(t *testing.T) {
	ack, err := DecodeSecureAck([]byte(`{"command":"SECURE_ACK","status":"OK","server_public_key":"xyz"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != "OK" || ack.ServerPublicKey != "xyz" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	resp, err := DecodeTunnelResponse([]byte(`{"status":"OK","public_addr":"demo.relais.dev:443"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "OK" || resp.PublicAddr != "demo.relais.dev:443" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	_, err = DecodeTunnelResponse([]byte(`{"status":"ERR","error":"Invalid Token"}`))
	if err != nil {
		t.Fatal(err)
	}
}

func TestDecodeTunnelResponseKeepsAuthErrorText(t *testing.T) {
	resp, err := DecodeTunnelResponse([]byte(`{"status":"ERR","error":"Invalid Token"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "Token") {
		t.Fatalf("expected error mentioning Token, got %q", resp.Error)
	}
}
