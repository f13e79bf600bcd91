// Package crypto implements the control channel's secure channel: ECDH
// over P-256, HKDF-SHA256 key derivation, and AES-256-GCM authenticated
// encryption. Ephemeral keys per session provide forward secrecy.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag size in bytes.
	TagSize = 16

	// hkdfSalt and hkdfInfo are the protocol's fixed HKDF parameters; both
	// sides must use these exact strings or key derivation diverges.
	hkdfSalt = "relais-tunnel-v1"
	hkdfInfo = "aes-256-gcm-key"
)

// KeyPair is an ephemeral P-256 ECDH key pair generated once per control
// session.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh ephemeral P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKeyBase64 returns base64(DER-uncompressed-point) for transmission
// as client_public_key / server_public_key.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.priv.PublicKey().Bytes())
}

// ParsePublicKeyBase64 decodes a peer's base64 uncompressed P-256 point.
func ParsePublicKeyBase64(s string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, fmt.Errorf("decode public key base64: %w", err))
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, fmt.Errorf("parse public key: %w", err))
	}
	return pub, nil
}

// DeriveSessionKey computes the ECDH shared secret (the raw X coordinate,
// per crypto/ecdh's NIST-curve contract) between the local ephemeral
// private key and the peer's ephemeral public key, then derives the
// AES-256 key via HKDF-SHA256 with the protocol's fixed salt and info.
func DeriveSessionKey(local *KeyPair, peerPub *ecdh.PublicKey) (*SessionKey, error) {
	shared, err := local.priv.ECDH(peerPub)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindCrypto, fmt.Errorf("ECDH: %w", err))
	}

	reader := hkdf.New(sha256.New, shared, []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, agenterr.Wrap(agenterr.KindCrypto, fmt.Errorf("HKDF derive: %w", err))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindCrypto, fmt.Errorf("new AES cipher: %w", err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindCrypto, fmt.Errorf("new GCM AEAD: %w", err))
	}

	return &SessionKey{aead: aead}, nil
}

// SessionKey holds the derived AES-256-GCM AEAD for one control session.
// It is safe for concurrent use; every Encrypt call draws a fresh random
// nonce from the CSPRNG and the receiver never assumes nonce ordering:
// the GCM tag alone is relied on for integrity.
type SessionKey struct {
	mu   sync.Mutex
	aead cipher.AEAD
}

// Encrypt seals plaintext and returns NONCE(12) || CIPHERTEXT || TAG(16).
func (s *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	s.mu.Lock()
	aead := s.aead
	s.mu.Unlock()

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	record := make([]byte, 0, NonceSize+len(sealed))
	record = append(record, nonce...)
	record = append(record, sealed...)
	return record, nil
}

// Decrypt opens a NONCE||CIPHERTEXT||TAG record produced by Encrypt.
// A truncated record or a tag mismatch is surfaced as KindCrypto, which
// the supervisor treats as fatal for the current session.
func (s *SessionKey) Decrypt(record []byte) ([]byte, error) {
	if len(record) < NonceSize+TagSize {
		return nil, agenterr.New(agenterr.KindCrypto, "encrypted record too short")
	}

	nonce, sealed := record[:NonceSize], record[NonceSize:]

	s.mu.Lock()
	aead := s.aead
	s.mu.Unlock()

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindCrypto, fmt.Errorf("GCM open: %w", err))
	}
	return plaintext, nil
}
