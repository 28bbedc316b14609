// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/helpdesk/lib/secret"
)

// Keypair is an age x25519 keypair. The caller must call Close when
// the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... encoding, held in
	// protected memory. Never logged or sent.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... encoding, sent to the peer.
	PublicKey string
}

// Close releases the private key memory.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a fresh x25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// ParsePublicKey validates an age x25519 public key.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// Envelope seals payloads for one peer and opens payloads addressed to
// the local keypair. Safe for concurrent use: age identities and
// recipients are immutable.
type Envelope struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewEnvelope binds the local keypair to the peer's public key.
func NewEnvelope(local *Keypair, peerPublicKey string) (*Envelope, error) {
	identity, err := age.ParseX25519Identity(local.PrivateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	return &Envelope{identity: identity, recipient: recipient}, nil
}

// Seal encrypts plaintext to the peer.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	return seal(plaintext, []age.Recipient{e.recipient})
}

// Open decrypts ciphertext sealed to the local keypair.
func (e *Envelope) Open(ciphertext []byte) ([]byte, error) {
	return open(ciphertext, e.identity)
}

func seal(plaintext []byte, recipients []age.Recipient) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

func open(ciphertext []byte, identity age.Identity) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
