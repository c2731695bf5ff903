package crypt

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhtransfer/internal/transfer/types"
)

func runStream(t *testing.T, s *Stream, data []byte, chunk int) []byte {
	t.Helper()
	var out bytes.Buffer
	if len(data) == 0 {
		b, err := s.Next(nil, true)
		require.NoError(t, err)
		out.Write(b)
		return out.Bytes()
	}
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		b, err := s.Next(data[off:end], end == len(data))
		require.NoError(t, err)
		out.Write(b)
	}
	return out.Bytes()
}

func TestStream_RoundTrip(t *testing.T) {
	key := DeriveKey(SessionSecret("app", "user"))
	sizes := []int{0, 1, 15, 16, 17, 4096, 100_003}
	encTypes := []types.EncryptType{types.EncryptNone, types.EncryptSrc, types.EncryptAESECB, types.EncryptAESCBC}

	for _, et := range encTypes {
		for _, size := range sizes {
			data := make([]byte, size)
			_, _ = rand.Read(data)

			enc, err := NewEncrypter(et, key)
			require.NoError(t, err)
			cipherText := runStream(t, enc, data, 1024)
			assert.Equal(t, EncryptedSize(et, int64(size)), int64(len(cipherText)), "%v size %d", et, size)

			// decrypt with a chunking that does not line up with blocks
			dec, err := NewDecrypter(et, key)
			require.NoError(t, err)
			plain := runStream(t, dec, cipherText, 999)
			assert.True(t, bytes.Equal(data, plain), "%v size %d round trip", et, size)
		}
	}
}

func TestStream_ECBRepeatsBlocksCBCDoesNot(t *testing.T) {
	key := DeriveKey("k")
	data := bytes.Repeat([]byte("0123456789abcdef"), 2)

	ecbStream, err := NewEncrypter(types.EncryptAESECB, key)
	require.NoError(t, err)
	ecbOut, err := ecbStream.Next(data, true)
	require.NoError(t, err)
	assert.Equal(t, ecbOut[:16], ecbOut[16:32])

	cbcStream, err := NewEncrypter(types.EncryptAESCBC, key)
	require.NoError(t, err)
	cbcOut, err := cbcStream.Next(data, true)
	require.NoError(t, err)
	assert.NotEqual(t, cbcOut[:16], cbcOut[16:32])
}

func TestStream_DecryptRejectsTruncatedCiphertext(t *testing.T) {
	key := DeriveKey("k")
	dec, err := NewDecrypter(types.EncryptAESCBC, key)
	require.NoError(t, err)

	_, err = dec.Next(make([]byte, 20), true)
	require.ErrorIs(t, err, types.ErrBadCiphertext)
}

func TestStream_DecryptRejectsWrongKey(t *testing.T) {
	enc, err := NewEncrypter(types.EncryptAESECB, DeriveKey("right"))
	require.NoError(t, err)
	ct, err := enc.Next([]byte("hello world"), true)
	require.NoError(t, err)

	dec, err := NewDecrypter(types.EncryptAESECB, DeriveKey("wrong"))
	require.NoError(t, err)
	out, err := dec.Next(ct, true)
	if err == nil {
		// a wrong key can still yield valid-looking padding by chance
		assert.NotEqual(t, []byte("hello world"), out)
	}
}

func TestStream_NextAfterLastFails(t *testing.T) {
	s, err := NewEncrypter(types.EncryptNone, nil)
	require.NoError(t, err)
	_, err = s.Next([]byte("a"), true)
	require.NoError(t, err)
	_, err = s.Next([]byte("b"), true)
	require.Error(t, err)
}

func TestNewStream_InvalidType(t *testing.T) {
	_, err := NewEncrypter(types.EncryptType(7), DeriveKey("k"))
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}
