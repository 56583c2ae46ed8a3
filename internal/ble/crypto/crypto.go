// Package crypto provides the pod link's cryptography: ECDH P-256 pairing
// with compressed public keys, HKDF-SHA256 derivation of the long-term and
// per-session keys, and AES-256-GCM frame sealing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// GenerateKeyPair creates an ephemeral ECDH P-256 key pair for pairing.
func GenerateKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// CompressPublicKey returns the 33-byte SEC1 compressed form of a P-256
// public key, which fits a pairing write in two segments.
func CompressPublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // 65 bytes: 0x04 || x(32) || y(32)
	x := raw[1:33]
	y := new(big.Int).SetBytes(raw[33:65])

	compressed := make([]byte, 33)
	if y.Bit(0) == 0 {
		compressed[0] = 0x02
	} else {
		compressed[0] = 0x03
	}
	copy(compressed[1:], x)
	return compressed
}

// ParseCompressedPublicKey parses a 33-byte SEC1 compressed P-256 public key.
func ParseCompressedPublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != 33 {
		return nil, fmt.Errorf("ble/crypto: compressed key must be 33 bytes, got %d", len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, fmt.Errorf("ble/crypto: invalid compression prefix: 0x%02x", data[0])
	}

	x := new(big.Int).SetBytes(data[1:33])
	y := decompressP256(x, data[0] == 0x03)
	if y == nil {
		return nil, errors.New("ble/crypto: point decompression failed")
	}

	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	xBytes := x.Bytes()
	copy(uncompressed[1+32-len(xBytes):33], xBytes)
	yBytes := y.Bytes()
	copy(uncompressed[33+32-len(yBytes):65], yBytes)

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse public key: %w", err)
	}
	return pub, nil
}

// decompressP256 recovers the y coordinate from x on the P-256 curve.
// oddY indicates whether y should be odd.
func decompressP256(x *big.Int, oddY bool) *big.Int {
	curve := elliptic.P256()
	params := curve.Params()
	p := params.P

	// y^2 = x^3 - 3x + b (mod p)
	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)
	x3.Mod(x3, p)

	threeX := new(big.Int).Mul(big.NewInt(3), x)
	threeX.Mod(threeX, p)

	y2 := new(big.Int).Sub(x3, threeX)
	y2.Add(y2, params.B)
	y2.Mod(y2, p)

	// p = 3 mod 4, so the square root is y2^((p+1)/4).
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(y2, exp, p)

	check := new(big.Int).Mul(y, y)
	check.Mod(check, p)
	if check.Cmp(y2) != 0 {
		// x is not on the curve.
		return nil
	}

	// Pick the root with the requested parity.
	if oddY != (y.Bit(0) == 1) {
		y.Sub(p, y)
	}
	return y
}

// DeriveSharedSecret performs ECDH and returns the raw shared secret.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: ECDH: %w", err)
	}
	return secret, nil
}

// Key sizes.
const (
	KeySize   = 32
	NonceSize = 16
)

// DeriveLongTermKey derives the pairing key from the ECDH secret. Both
// compressed public keys salt the derivation so the key is bound to this
// pairing.
func DeriveLongTermKey(sharedSecret, hostPub, podPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(hostPub)+len(podPub))
	salt = append(salt, hostPub...)
	salt = append(salt, podPub...)
	return derive(sharedSecret, salt, "podlink ltk")
}

// DeriveSessionKey derives the per-connection key from the long-term key
// and the nonces both sides contributed.
func DeriveSessionKey(ltk, hostNonce, podNonce []byte) ([]byte, error) {
	if len(ltk) != KeySize {
		return nil, fmt.Errorf("ble/crypto: long-term key must be %d bytes, got %d", KeySize, len(ltk))
	}
	if len(hostNonce) != NonceSize || len(podNonce) != NonceSize {
		return nil, fmt.Errorf("ble/crypto: session nonces must be %d bytes", NonceSize)
	}
	salt := make([]byte, 0, 2*NonceSize)
	salt = append(salt, hostNonce...)
	salt = append(salt, podNonce...)
	return derive(ltk, salt, "podlink session")
}

func derive(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// NewNonce returns a random session nonce.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, fmt.Errorf("ble/crypto: random nonce: %w", err)
	}
	return n, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns the iv (12 bytes),
// ciphertext and tag (16 bytes) separately, as the data packet carries
// them in separate fields. aad is authenticated but not encrypted.
func Encrypt(key, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("ble/crypto: random IV: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return iv, sealed[:split], sealed[split:], nil
}

// Decrypt opens a frame sealed by Encrypt with the same aad.
func Decrypt(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("ble/crypto: iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}
	sealed := make([]byte, len(ciphertext)+len(tag))
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)
	plaintext, err := aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: decrypt: %w", err)
	}
	return plaintext, nil
}
