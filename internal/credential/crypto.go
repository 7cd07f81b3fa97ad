package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidMasterKey signals the provided master key does not match
// the store's masterKeyCheck record (spec §4.B init, §7 CryptoError).
var ErrInvalidMasterKey = errors.New("credential: invalid master key")

// ErrCryptoError signals an envelope failed to decrypt — corruption or
// a key mismatch discovered outside of init (spec §7 CryptoError).
var ErrCryptoError = errors.New("credential: crypto error")

const algorithm = "chacha20poly1305"

// masterKeyCheckPlaintext is the fixed plaintext encrypted into
// masterKeyCheck; decrypting it successfully on load proves the
// supplied master key matches the one the store was created with.
const masterKeyCheckPlaintext = "credential-service-master-key-check"

// deriveKey stretches an arbitrary-length master key into the 32-byte
// key chacha20poly1305 requires, via a single SHA-256 pass. This is a
// key-derivation convenience, not a password hash — the master key is
// expected to already be high-entropy (spec's "master key" is supplied
// by an operator or secret-manager, not typed by a human each time).
func deriveKey(masterKey []byte) [32]byte {
	return sha256.Sum256(masterKey)
}

func seal(masterKey []byte, plaintext []byte) (Envelope, error) {
	key := deriveKey(masterKey)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("initializing AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	// chacha20poly1305.Seal appends the tag to the ciphertext; split it
	// back out so the envelope stores them separately per spec §3.3.
	tagSize := aead.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Algorithm:  algorithm,
	}, nil
}

func open(masterKey []byte, env Envelope) ([]byte, error) {
	if env.Algorithm != "" && env.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrCryptoError, env.Algorithm)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", ErrCryptoError, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding nonce: %v", ErrCryptoError, err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding tag: %v", ErrCryptoError, err)
	}

	key := deriveKey(masterKey)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	return plaintext, nil
}

// sealMasterKeyCheck produces the fixed-plaintext envelope stored once
// per store, used to validate a master key on every subsequent Init.
func sealMasterKeyCheck(masterKey []byte) (Envelope, error) {
	return seal(masterKey, []byte(masterKeyCheckPlaintext))
}

// verifyMasterKey decrypts check and confirms it matches the expected
// plaintext, returning ErrInvalidMasterKey on any mismatch.
func verifyMasterKey(masterKey []byte, check Envelope) error {
	plaintext, err := open(masterKey, check)
	if err != nil || string(plaintext) != masterKeyCheckPlaintext {
		return ErrInvalidMasterKey
	}
	return nil
}
