// Package encryption keeps message bodies confidential at rest.
//
// Every chat owns a random AES-256 key. The key is never stored in the clear:
// the chat record holds one copy per participant, sealed under that
// participant's credential-derived key. Message bodies are sealed with the
// chat key using AES-256-GCM and a fresh nonce per message.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"orgchat/tools/errs"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32
	SaltSize   = 16
	NonceSize  = 12
	Iterations = 210_000
)

var randReader io.Reader = rand.Reader

// DeriveKey stretches a low-entropy secret into a 32-byte key. Deterministic
// for a given secret and salt.
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, Iterations, KeySize, sha256.New)
}

// NewUserKey derives the key for a new account and returns it with the salt
// that has to be persisted next to it.
func NewUserKey(secret []byte) (key, salt []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, errs.ErrArgs.WrapMsg("empty secret")
	}
	salt = make([]byte, SaltSize)
	if _, err = io.ReadFull(randReader, salt); err != nil {
		return nil, nil, errs.WrapMsg(err, "read salt")
	}
	return DeriveKey(secret, salt), salt, nil
}

// KeyMatches compares two keys in constant time.
func KeyMatches(a, b []byte) bool {
	return len(a) == KeySize && subtle.ConstantTimeCompare(a, b) == 1
}

// Encrypt seals plaintext under key. The nonce is random for every call.
func Encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(randReader, nonce); err != nil {
		return nil, nil, errs.WrapMsg(err, "read nonce")
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext. A wrong key, a wrong nonce or tampered bytes all
// fail authentication and return a DecryptionError.
func Decrypt(nonce, ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errs.ErrDecryption.WrapMsg("bad nonce size", "size", len(nonce))
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.ErrDecryption.WrapMsg("message authentication failed")
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errs.ErrDecryption.WrapMsg("key must be 32 bytes", "size", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.WrapMsg(err, "aes cipher")
	}
	return cipher.NewGCM(block)
}
