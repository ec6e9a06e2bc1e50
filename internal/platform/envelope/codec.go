// Package envelope implements the encrypted wire format that wraps every
// waitlist request and response body: {"dados": base64(IV || AES-256-CBC)}.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector length in bytes.
	IVSize = aes.BlockSize
)

var (
	// ErrDecode marks an envelope that is not valid base64 or is too short to
	// hold an IV and at least one ciphertext byte.
	ErrDecode = errors.New("envelope: decode error")
	// ErrCrypto marks an envelope whose ciphertext could not be decrypted.
	ErrCrypto = errors.New("envelope: crypto error")
)

// Error wraps ErrDecode or ErrCrypto with a detail message.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }

func decodeErr(format string, args ...interface{}) error {
	return &Error{Kind: ErrDecode, Detail: fmt.Sprintf(format, args...)}
}

func cryptoErr(format string, args ...interface{}) error {
	return &Error{Kind: ErrCrypto, Detail: fmt.Sprintf(format, args...)}
}

// Codec encrypts and decrypts envelopes under a fixed shared key.
type Codec struct {
	block cipher.Block
	rand  io.Reader
}

// NewCodec creates a Codec with the given 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}
	return &Codec{block: block, rand: rand.Reader}, nil
}

// NewCodecFromHex creates a Codec from a 64-character hex key, the form the
// key takes in configuration.
func NewCodecFromHex(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("envelope: key is not valid hex: %w", err)
	}
	return NewCodec(key)
}

// Encrypt pads plaintext with PKCS#7, encrypts it under a fresh random IV and
// returns base64(IV || ciphertext).
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("envelope: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, IVSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[IVSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It fails with ErrDecode when the envelope is not
// base64 or decodes to fewer than 17 bytes, and with ErrCrypto when the
// ciphertext is misaligned or its padding is invalid.
func (c *Codec) Decrypt(envelope string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, decodeErr("base64: %v", err)
	}
	if len(data) < IVSize+1 {
		return nil, decodeErr("payload is %d bytes, need at least %d", len(data), IVSize+1)
	}

	iv, ciphertext := data[:IVSize], data[IVSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, cryptoErr("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, cryptoErr("%v", err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
