package lora

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Crypto constants matching the device firmware
const (
	KeySize   = 16 // AES-128
	NonceSize = 4  // truncated nonce (counter)
	TagSize   = 4  // truncated auth tag
	Overhead  = NonceSize + TagSize
)

// SecretSalt is the shared salt for key derivation. It must match the
// field device firmware.
var SecretSalt = []byte("AgSysLoRaSalt202")

// DeriveKey derives a device's AES-128 key:
// SHA-256(SecretSalt || UID)[0:16]
func DeriveKey(uid UID) []byte {
	h := sha256.New()
	h.Write(SecretSalt)
	h.Write(uid[:])
	return h.Sum(nil)[:KeySize]
}

// ParseKey decodes a hex AES-128 key
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("aes key: need %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// gcmNonce widens the 4-byte counter to GCM's 12-byte nonce: eight zero
// bytes then the big-endian counter.
func gcmNonce(counter uint32) []byte {
	n := make([]byte, 12)
	binary.BigEndian.PutUint32(n[8:], counter)
	return n
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-128-GCM.
// Output format: [Nonce:4][Ciphertext:N][Tag:4]
func Seal(key []byte, counter uint32, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := gcmNonce(counter)
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	body := sealed[:len(plaintext)]
	tag := sealed[len(plaintext):]

	out := make([]byte, 0, Overhead+len(plaintext))
	out = append(out, nonce[8:]...)
	out = append(out, body...)
	out = append(out, tag[:TagSize]...)
	return out, nil
}

// Open reverses Seal. Only the four transmitted tag bytes are checked.
func Open(key []byte, packet []byte) ([]byte, error) {
	if len(packet) < Overhead {
		return nil, fmt.Errorf("packet too short: %d", len(packet))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	block, _ := aes.NewCipher(key)

	nonce := gcmNonce(binary.BigEndian.Uint32(packet[:NonceSize]))
	body := packet[NonceSize : len(packet)-TagSize]
	tag := packet[len(packet)-TagSize:]

	// GCM encrypts with CTR starting at counter block 2
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	iv[15] = 2
	plaintext := make([]byte, len(body))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, body)

	// Resealing the recovered plaintext yields the full tag to compare
	resealed := gcm.Seal(nil, nonce, plaintext, nil)
	if subtle.ConstantTimeCompare(resealed[len(body):len(body)+TagSize], tag) != 1 {
		return nil, fmt.Errorf("authentication failed")
	}
	return plaintext, nil
}
