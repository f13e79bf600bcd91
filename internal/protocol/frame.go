package protocol

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
)

// FrameReader decodes frames from a single underlying stream. It is the
// exclusive reader of that stream between calls: a read method owns the
// socket's bytes while a decode is outstanding and releases them on
// return, and buffered bytes naturally carry over between framings because
// every frame kind is read from the same *bufio.Reader — this is how a
// SECURE_ACK reply and the first encrypted message can arrive in the same
// read without either being dropped.
type FrameReader struct {
	br *bufio.Reader
}

// NewFrameReader wraps r for framed reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, 4096)}
}

// ReadHandshake reads one binary handshake frame (framing 1) and returns
// its decoded JSON payload.
func (fr *FrameReader) ReadHandshake() ([]byte, error) {
	return fr.readBinary(MaxHandshakeB64Len)
}

// ReadEncrypted reads one encrypted message frame (framing 2) and returns
// the decoded NONCE||CIPHERTEXT||TAG record, still sealed.
func (fr *FrameReader) ReadEncrypted() ([]byte, error) {
	return fr.readBinary(MaxEncryptedB64Len)
}

// readBinary implements the shared `0x00 | u32-BE LEN | base64(payload)`
// layout for both the handshake and encrypted framings; maxB64Len bounds
// LEN, the length of the base64 text itself.
func (fr *FrameReader) readBinary(maxB64Len int) ([]byte, error) {
	magic, err := fr.br.ReadByte()
	if err != nil {
		return nil, wrapReadErr(err)
	}
	if magic != FrameMagic {
		return nil, agenterr.New(agenterr.KindProtocol, "bad frame magic byte")
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.br, lenBuf[:]); err != nil {
		return nil, wrapReadErr(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxB64Len {
		return nil, agenterr.New(agenterr.KindProtocol, "frame length exceeds maximum")
	}

	b64 := make([]byte, n)
	if _, err := io.ReadFull(fr.br, b64); err != nil {
		return nil, wrapReadErr(err)
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(b64)))
	decoded, err := base64.StdEncoding.Decode(raw, b64)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, fmt.Errorf("invalid base64 payload: %w", err))
	}

	return raw[:decoded], nil
}

// ReadLine reads one legacy plaintext line frame: a JSON object terminated
// by '\n'. Used only when the agent is started with encryption disabled.
func (fr *FrameReader) ReadLine() ([]byte, error) {
	line, err := fr.br.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 && errors.Is(err, io.EOF) {
			// Partial line followed by EOF: incomplete frame, not a clean close.
			return nil, agenterr.New(agenterr.KindProtocol, "incomplete line frame before EOF")
		}
		return nil, wrapReadErr(err)
	}
	// Trim the trailing newline (and a preceding \r for CRLF senders).
	end := len(line) - 1
	if end > 0 && line[end-1] == '\r' {
		end--
	}
	return line[:end], nil
}

// wrapReadErr classifies a raw I/O error from the underlying stream: a
// clean EOF is attributed to the server closing the connection, anything
// else surfaces as-is for the caller to wrap.
func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) {
		return agenterr.ServerClosed()
	}
	return err
}

// FrameWriter encodes frames onto a single underlying stream.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for framed writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteHandshake writes payload as a binary handshake frame (framing 1).
func (fw *FrameWriter) WriteHandshake(payload []byte) error {
	return fw.writeBinary(payload, MaxHandshakeB64Len)
}

// WriteEncrypted writes an already-sealed NONCE||CIPHERTEXT||TAG record as
// an encrypted message frame (framing 2).
func (fw *FrameWriter) WriteEncrypted(record []byte) error {
	return fw.writeBinary(record, MaxEncryptedB64Len)
}

func (fw *FrameWriter) writeBinary(payload []byte, maxB64Len int) error {
	b64 := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(b64, payload)
	if len(b64) > maxB64Len {
		return agenterr.New(agenterr.KindProtocol, "frame payload exceeds maximum size")
	}

	buf := make([]byte, 0, 1+4+len(b64))
	buf = append(buf, FrameMagic)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b64)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b64...)

	_, err := fw.w.Write(buf)
	return err
}

// WriteLine writes payload followed by '\n' as a legacy plaintext line
// frame.
func (fw *FrameWriter) WriteLine(payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := fw.w.Write(buf)
	return err
}
