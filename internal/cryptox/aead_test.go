package cryptox

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opsapi/secretvault/internal/common"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	return DeriveKey([]byte("Tr0ub4dor&3xample"), bytes.Repeat([]byte{0x42}, SaltSize), 1000)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t)

	cases := [][]byte{
		[]byte("p@ssw0rd123"),
		{},
		{0x00},
		{0x00, 0xff, 0x00, 0xff},
		bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 1024),
		[]byte("многобайтовый текст\x00с нулями"),
	}

	for _, plaintext := range cases {
		ciphertext, nonce, tag, err := Seal(key, plaintext)
		require.NoError(t, err)
		require.Len(t, nonce, NonceSize)
		require.Len(t, tag, TagSize)
		require.Len(t, ciphertext, len(plaintext))

		got, err := Open(key, ciphertext, nonce, tag)
		require.NoError(t, err)
		require.Equal(t, plaintext, append([]byte{}, got...))
	}
}

func TestOpen_TamperDetection(t *testing.T) {
	key := testKey(t)
	ciphertext, nonce, tag, err := Seal(key, []byte("sensitive value"))
	require.NoError(t, err)

	flipBit := func(src []byte, bit int) []byte {
		out := append([]byte{}, src...)
		out[bit/8] ^= 1 << (bit % 8)
		return out
	}

	for bit := 0; bit < len(ciphertext)*8; bit += 7 {
		_, err := Open(key, flipBit(ciphertext, bit), nonce, tag)
		require.ErrorIs(t, err, common.ErrTamperedOrWrongKey, "ciphertext bit %d", bit)
	}
	for bit := 0; bit < NonceSize*8; bit++ {
		_, err := Open(key, ciphertext, flipBit(nonce, bit), tag)
		require.ErrorIs(t, err, common.ErrTamperedOrWrongKey, "nonce bit %d", bit)
	}
	for bit := 0; bit < TagSize*8; bit++ {
		_, err := Open(key, ciphertext, nonce, flipBit(tag, bit))
		require.ErrorIs(t, err, common.ErrTamperedOrWrongKey, "tag bit %d", bit)
	}
}

func TestOpen_WrongKeyIsolation(t *testing.T) {
	// Same passphrase, different salts: the derived keys must not be
	// interchangeable.
	passphrase := []byte("correct horse battery staple")
	keyA := DeriveKey(passphrase, bytes.Repeat([]byte{0x01}, SaltSize), 1000)
	keyB := DeriveKey(passphrase, bytes.Repeat([]byte{0x02}, SaltSize), 1000)
	require.NotEqual(t, keyA, keyB)

	ciphertext, nonce, tag, err := Seal(keyA, []byte("vault A only"))
	require.NoError(t, err)

	_, err = Open(keyB, ciphertext, nonce, tag)
	require.ErrorIs(t, err, common.ErrTamperedOrWrongKey)
}

func TestOpen_TruncatedNonceOrTag(t *testing.T) {
	key := testKey(t)
	ciphertext, nonce, tag, err := Seal(key, []byte("x"))
	require.NoError(t, err)

	_, err = Open(key, ciphertext, nonce[:NonceSize-1], tag)
	require.ErrorIs(t, err, common.ErrTamperedOrWrongKey)

	_, err = Open(key, ciphertext, nonce, tag[:TagSize-1])
	require.ErrorIs(t, err, common.ErrTamperedOrWrongKey)
}

func TestSeal_NonceUniqueness(t *testing.T) {
	key := testKey(t)
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		_, nonce, _, err := Seal(key, []byte("same plaintext"))
		require.NoError(t, err)
		_, dup := seen[string(nonce)]
		require.False(t, dup, "nonce reused after %d seals", i)
		seen[string(nonce)] = struct{}{}
	}
}

func TestSeal_BadKeyLength(t *testing.T) {
	_, _, _, err := Seal([]byte("short"), []byte("x"))
	require.Error(t, err)
	require.False(t, errors.Is(err, common.ErrTamperedOrWrongKey))
}
