// Package crypto provides the end-to-end encryption envelope for records.
// Payloads are sealed with XChaCha20-Poly1305 under a record key derived
// from the account master key via HKDF-SHA256. The relay only ever sees
// sealed blobs.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// keyLen is the XChaCha20-Poly1305 key length in bytes.
	keyLen = chacha20poly1305.KeySize
	// nonceLen is the XChaCha20 nonce length in bytes.
	nonceLen = chacha20poly1305.NonceSizeX
	// keyIDLen is the number of SHA-256 bytes used as a key id.
	keyIDLen = 8
	// hkdfInfo is the info string for record key derivation.
	hkdfInfo = "histsync-record-key"
)

// ErrAuthenticationFailed is returned by Open for any blob that does not
// verify: tampering, truncation, wrong key or wrong associated data.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Key is a derived record key together with its id.
type Key struct {
	id     string
	secret []byte
}

// ID returns the key id carried in every blob sealed with this key.
func (k *Key) ID() string { return k.id }

// NewKey wraps a raw 32-byte key.
func NewKey(secret []byte) (*Key, error) {
	if len(secret) != keyLen {
		return nil, fmt.Errorf("key must be %d bytes", keyLen)
	}
	sum := sha256.Sum256(secret)
	k := &Key{id: hex.EncodeToString(sum[:keyIDLen]), secret: make([]byte, keyLen)}
	copy(k.secret, secret)
	return k, nil
}

// GenerateMasterKey generates a random 256-bit account master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("random master key: %w", err)
	}
	return key, nil
}

// EncodeMasterKey renders a master key for storage in the key file.
func EncodeMasterKey(master []byte) string {
	return base64.StdEncoding.EncodeToString(master)
}

// DecodeMasterKey parses the key file contents.
func DecodeMasterKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(b) != keyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keyLen, len(b))
	}
	return b, nil
}

// DeriveRecordKey derives the record key from the account master key.
func DeriveRecordKey(master []byte) (*Key, error) {
	if len(master) != keyLen {
		return nil, fmt.Errorf("master key must be %d bytes", keyLen)
	}
	r := hkdf.New(sha256.New, master, nil, []byte(hkdfInfo))
	secret := make([]byte, keyLen)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return NewKey(secret)
}

// Seal encrypts plaintext under key, binding ad as associated data.
func Seal(key *Key, plaintext, ad []byte) (Blob, error) {
	aead, err := chacha20poly1305.NewX(key.secret)
	if err != nil {
		return Blob{}, fmt.Errorf("xchacha20poly1305: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Blob{}, fmt.Errorf("random nonce: %w", err)
	}

	return Blob{
		KeyID:      key.id,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, blobAD(key.id, ad)),
	}, nil
}

// Open decrypts a blob sealed by Seal with the same key and ad.
func Open(key *Key, b Blob, ad []byte) ([]byte, error) {
	if b.KeyID != key.id {
		return nil, fmt.Errorf("%w: blob sealed with key %s, have %s", ErrAuthenticationFailed, b.KeyID, key.id)
	}
	if len(b.Nonce) != nonceLen {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrAuthenticationFailed, len(b.Nonce))
	}

	aead, err := chacha20poly1305.NewX(key.secret)
	if err != nil {
		return nil, fmt.Errorf("xchacha20poly1305: %w", err)
	}

	plaintext, err := aead.Open(nil, b.Nonce, b.Ciphertext, blobAD(b.KeyID, ad))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// SealBytes is Seal followed by Blob.MarshalBinary.
func SealBytes(key *Key, plaintext, ad []byte) ([]byte, error) {
	b, err := Seal(key, plaintext, ad)
	if err != nil {
		return nil, err
	}
	return b.MarshalBinary()
}

// OpenBytes parses a serialized blob and opens it. Parse failures are
// reported as ErrAuthenticationFailed.
func OpenBytes(key *Key, data, ad []byte) ([]byte, error) {
	var b Blob
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return Open(key, b, ad)
}

// blobAD prefixes the key id so the header is authenticated too.
func blobAD(keyID string, ad []byte) []byte {
	out := make([]byte, 0, 1+len(keyID)+len(ad))
	out = append(out, byte(len(keyID)))
	out = append(out, keyID...)
	return append(out, ad...)
}
