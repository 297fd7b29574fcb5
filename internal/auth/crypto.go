package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryption is returned when an encrypted-channel payload cannot be
// authenticated and decrypted. Callers must treat this as a non-fatal,
// per-event failure: log and drop, do not disconnect.
var ErrDecryption = errors.New("auth: decryption failed")

const (
	nonceSize = 24
	keySize   = 32
)

// encryptedPayload is the wire shape carried on private-encrypted- channels.
type encryptedPayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// DecodeSharedSecret base64-decodes the shared_secret returned by the
// authorization endpoint into a fixed-size secretbox key.
func DecodeSharedSecret(b64 string) (*[keySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Join(ErrDecryption, err)
	}
	if len(raw) != keySize {
		return nil, errors.Join(ErrDecryption, errors.New("shared secret must be 32 bytes"))
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Decrypt parses a {nonce,ciphertext} JSON payload and opens it with
// XSalsa20-Poly1305 (NaCl secretbox) under key.
func Decrypt(data []byte, key *[keySize]byte) ([]byte, error) {
	var payload encryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Join(ErrDecryption, err)
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, errors.Join(ErrDecryption, err)
	}
	if len(nonceBytes) != nonceSize {
		return nil, errors.Join(ErrDecryption, errors.New("nonce must be 24 bytes"))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], nonceBytes)

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, errors.Join(ErrDecryption, err)
	}

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, key)
	if !ok {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
