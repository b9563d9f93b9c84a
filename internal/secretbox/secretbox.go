// RTT Worker is a distributed job-execution worker for statistical randomness testing.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package secretbox unwraps the Storage Credentials-file's private key
// passphrase when it is sealed at rest under a master secret rather than
// kept in plaintext (internal/sftpclient.UnwrapStoredPassphrase).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize  = 12
	keySize    = 32
	iterations = 100000
)

// Box seals and opens a single passphrase under a key derived from a
// master secret.
type Box struct {
	key []byte
}

// NewBox derives a Box's key from masterSecret via PBKDF2.
func NewBox(masterSecret string) (*Box, error) {
	if masterSecret == "" {
		return nil, errors.New("secretbox: master secret cannot be empty")
	}
	salt := sha256.Sum256([]byte("rttworker-secretbox-" + masterSecret))
	key := pbkdf2.Key([]byte(masterSecret), salt[:], iterations, keySize, sha256.New)
	return &Box{key: key}, nil
}

// Seal encrypts plaintext, returning a base64-encoded nonce||ciphertext.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("secretbox: plaintext cannot be empty")
	}
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", errors.New("secretbox: sealed text cannot be empty")
	}
	combined, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("secretbox: decode base64: %w", err)
	}
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}
	if len(combined) < gcm.NonceSize() {
		return "", errors.New("secretbox: sealed text too short")
	}
	nonce, ciphertext := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secretbox: open: %w", err)
	}
	return string(plaintext), nil
}

func (b *Box) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// IsSealed reports whether s looks like a value Seal produced: valid
// base64 of at least a nonce plus the GCM tag.
func IsSealed(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= nonceSize+16
}
