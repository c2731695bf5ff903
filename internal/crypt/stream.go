// Package crypt applies an EncryptType to a byte stream chunk by chunk.
//
// AES modes use PKCS#7 padding on the final chunk only, so callers that
// feed block-aligned chunks never hold more than one chunk in memory.
// CBC chains across chunks; the IV equals the key, which keeps ciphertext
// compatible with the storage backend's existing objects.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"fmt"

	"yhtransfer/internal/transfer/types"
)

// DeriveKey hashes an arbitrary secret into an AES-128 key.
func DeriveKey(secret string) []byte {
	sum := md5.Sum([]byte(secret))
	return sum[:]
}

// SessionSecret builds the per-owner secret used to derive file keys.
func SessionSecret(appid, appuid string) string {
	return appid + ":" + appuid
}

// Transforms reports whether t changes bytes on the wire.
func Transforms(t types.EncryptType) bool {
	return t == types.EncryptAESECB || t == types.EncryptAESCBC
}

// EncryptedSize is the stored length of a plaintext of plainSize bytes.
func EncryptedSize(t types.EncryptType, plainSize int64) int64 {
	if !Transforms(t) {
		return plainSize
	}
	return (plainSize/aes.BlockSize + 1) * aes.BlockSize
}

// Stream is a stateful one-direction transform. It is not safe for
// concurrent use.
type Stream struct {
	encType types.EncryptType
	encrypt bool
	mode    cipher.BlockMode
	pending []byte
	done    bool
}

// NewEncrypter returns a Stream that encrypts with t.
func NewEncrypter(t types.EncryptType, key []byte) (*Stream, error) {
	return newStream(t, key, true)
}

// NewDecrypter returns a Stream that reverses NewEncrypter.
func NewDecrypter(t types.EncryptType, key []byte) (*Stream, error) {
	return newStream(t, key, false)
}

func newStream(t types.EncryptType, key []byte, encrypt bool) (*Stream, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unsupported encryption %v", types.ErrInvalidArgument, t)
	}
	s := &Stream{encType: t, encrypt: encrypt}
	if !Transforms(t) {
		return s, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := key[:aes.BlockSize]
	switch {
	case t == types.EncryptAESCBC && encrypt:
		s.mode = cipher.NewCBCEncrypter(block, iv)
	case t == types.EncryptAESCBC:
		s.mode = cipher.NewCBCDecrypter(block, iv)
	case encrypt:
		s.mode = newECBEncrypter(block)
	default:
		s.mode = newECBDecrypter(block)
	}
	return s, nil
}

// Type returns the EncryptType the stream applies.
func (s *Stream) Type() types.EncryptType { return s.encType }

// Next transforms chunk. last marks the final chunk of the stream; after
// it, Next returns an error.
func (s *Stream) Next(chunk []byte, last bool) ([]byte, error) {
	if s.done {
		return nil, fmt.Errorf("crypt: stream already finished")
	}
	if last {
		s.done = true
	}
	if s.mode == nil {
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out, nil
	}
	s.pending = append(s.pending, chunk...)
	if s.encrypt {
		return s.nextEncrypt(last), nil
	}
	return s.nextDecrypt(last)
}

func (s *Stream) takeBlocks(n int) []byte {
	out := make([]byte, n)
	s.mode.CryptBlocks(out, s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)
	return out
}

func (s *Stream) nextEncrypt(last bool) []byte {
	bs := aes.BlockSize
	if last {
		s.pending = pkcs7Pad(s.pending, bs)
		return s.takeBlocks(len(s.pending))
	}
	n := (len(s.pending) / bs) * bs
	if n == 0 {
		return nil
	}
	return s.takeBlocks(n)
}

func (s *Stream) nextDecrypt(last bool) ([]byte, error) {
	bs := aes.BlockSize
	if last {
		if len(s.pending) == 0 || len(s.pending)%bs != 0 {
			return nil, fmt.Errorf("%w: length %d is not a multiple of the block size", types.ErrBadCiphertext, len(s.pending))
		}
		out := s.takeBlocks(len(s.pending))
		return pkcs7Unpad(out, bs)
	}
	// hold back the final block: it may carry the padding
	n := (len(s.pending)/bs)*bs - bs
	if n <= 0 {
		return nil, nil
	}
	return s.takeBlocks(n), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", types.ErrBadCiphertext)
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("%w: bad padding", types.ErrBadCiphertext)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("%w: bad padding", types.ErrBadCiphertext)
		}
	}
	return data[:len(data)-padding], nil
}
