// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package seal implements the shared-secret payload encryption used to
// carry alert parameters and status records between the service and an
// alert owner.  A conversation key is derived from an ECDH exchange over
// secp256k1 and payloads are encrypted with AES-256-CBC, framed as
// base64(ciphertext)?iv=base64(iv).
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/anchornet/anchord/internal/event"
)

// ErrMalformedPayload describes a sealed payload that does not follow the
// ciphertext?iv= framing or does not decode as base64.
var ErrMalformedPayload = errors.New("malformed sealed payload")

// ErrBadPadding describes a payload that decrypted to an invalid PKCS#7
// padding, which means the conversation key does not match.
var ErrBadPadding = errors.New("invalid padding in sealed payload")

// conversationKey derives the symmetric key shared between the private
// key holder and the named counterparty.
func conversationKey(priv *secp256k1.PrivateKey, pubkey string) ([]byte, error) {
	pub, err := event.ParsePubkey(pubkey)
	if err != nil {
		return nil, err
	}
	secret := secp256k1.GenerateSharedSecret(priv, pub)
	key := sha256.Sum256(secret)
	return key[:], nil
}

// Seal encrypts plaintext to the named counterparty pubkey.
func Seal(priv *secp256k1.PrivateKey, pubkey, plaintext string) (string, error) {
	key, err := conversationKey(priv, pubkey)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	iv := make([]byte, aes.BlockSize)
	rand.Read(iv)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" +
		base64.StdEncoding.EncodeToString(iv), nil
}

// Open decrypts a payload sealed by the named counterparty pubkey (or
// sealed to it by this key, since the conversation key is symmetric).
func Open(priv *secp256k1.PrivateKey, pubkey, payload string) (string, error) {
	ctB64, ivB64, found := strings.Cut(payload, "?iv=")
	if !found {
		return "", ErrMalformedPayload
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 ||
		len(ciphertext)%aes.BlockSize != 0 {

		return "", ErrMalformedPayload
	}

	key, err := conversationKey(priv, pubkey)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return "", ErrBadPadding
	}
	pad := plaintext[len(plaintext)-padLen:]
	if !bytes.Equal(pad, bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return "", ErrBadPadding
	}
	return string(plaintext[:len(plaintext)-padLen]), nil
}
