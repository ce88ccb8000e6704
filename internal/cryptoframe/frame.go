// Package cryptoframe implements the single authenticated-encryption
// framing format used for every ciphertext snapvault produces: chunks,
// pack headers, index parts, the manifest, the bootstrap catalog and the
// secrets store. One format, one cipher, caller-supplied AAD.
package cryptoframe

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nerdalize/snapvault/internal/errs"
)

const (
	// Version is the only frame version this build accepts.
	Version byte = 0x01

	// NonceSize is the XChaCha20-Poly1305 nonce length in bytes.
	NonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the Poly1305 authentication tag length in bytes.
	TagSize = chacha20poly1305.Overhead

	// Overhead is the constant every size budget in this system is
	// expressed in terms of: version byte + nonce + tag.
	Overhead = 1 + NonceSize + TagSize
)

// Key is a 32-byte XChaCha20-Poly1305 key, either the repository master
// key or the vault's outer key depending on the call site.
type Key [chacha20poly1305.KeySize]byte

// Seal encrypts plaintext under key and aad, producing a self-describing
// frame: version(1) || nonce(24) || ciphertext||tag.
func Seal(key Key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "failed to construct aead cipher")
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "failed to draw frame nonce")
	}

	out := make([]byte, 0, 1+NonceSize+len(plaintext)+TagSize)
	out = append(out, Version)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open validates and decrypts a frame produced by Seal, using the same
// aad it was sealed with. Decryption failure never returns partial
// plaintext.
func Open(key Key, aad, frame []byte) ([]byte, error) {
	if len(frame) < 1+NonceSize+TagSize {
		return nil, errs.New(errs.KindCrypto, "frame too short: %d bytes", len(frame))
	}
	if frame[0] != Version {
		return nil, errs.New(errs.KindCrypto, "unsupported frame version 0x%02x", frame[0])
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "failed to construct aead cipher")
	}

	nonce := frame[1 : 1+NonceSize]
	ciphertext := frame[1+NonceSize:]

	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, err, "frame authentication failed")
	}
	return plain, nil
}
