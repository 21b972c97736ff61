package sync

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20-Poly1305
)

func randRead(b []byte) (int, error) {
	return io.ReadFull(rand.Reader, b)
}

// sealWithKey seals plaintext under objKey with a fresh nonce.
func sealWithKey(objKey, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	if len(objKey) != KeySize {
		return nil, nil, fmt.Errorf("object key must be %d bytes", KeySize)
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// WrapKey wraps objKey with masterKey. Returns nonce|wrapped.
func WrapKey(masterKey, objKey []byte) ([]byte, error) {
	if len(masterKey) != KeySize || len(objKey) != KeySize {
		return nil, fmt.Errorf("keys must be %d bytes", KeySize)
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	wrapNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, wrapNonce); err != nil {
		return nil, err
	}
	wrapped := aead.Seal(nil, wrapNonce, objKey, nil)
	return append(wrapNonce, wrapped...), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(masterKey, blob []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	if len(blob) < NonceSize {
		return nil, fmt.Errorf("wrapped key too short")
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	objKey, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	return objKey, nil
}

// DecryptPayload opens a sealed body given its envelope metadata.
func DecryptPayload(masterKey, nonce, ciphertext, wrappedKey, aad []byte) ([]byte, error) {
	objKey, err := UnwrapKey(masterKey, wrappedKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}
