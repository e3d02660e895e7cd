// Package crypto encrypts configuration secrets with age passphrase
// (scrypt) encryption in ASCII armor, so they can live inside YAML.
package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// scryptWorkFactor is the log2 scrypt cost used for new ciphertexts.
var scryptWorkFactor = 18

var ErrNotEncrypted = errors.New("value is not age encrypted")

// IsEncrypted reports whether v looks like an armored age ciphertext.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), armor.Header)
}

// Encrypt seals plaintext with passphrase and returns armored text.
func Encrypt(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("empty master key")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return "", err
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	w, err := age.Encrypt(armored, recipient)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := armored.Close(); err != nil {
		return "", fmt.Errorf("armor: %w", err)
	}
	return buf.String(), nil
}

// Decrypt opens an armored ciphertext produced by Encrypt.
func Decrypt(ciphertext, passphrase string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return "", ErrNotEncrypted
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return "", err
	}

	r, err := age.Decrypt(armor.NewReader(strings.NewReader(strings.TrimSpace(ciphertext))), identity)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(out), nil
}
