package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrNoSecret)

	v, err := New("some-secret")
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("round-trip-secret")
	require.NoError(t, err)

	plaintext := []byte("pkcs12 archive bytes")
	blob, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, blob)

	decrypted, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesFreshBlobs(t *testing.T) {
	v, err := New("fresh-secret")
	require.NoError(t, err)

	first, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)
	second, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsTampering(t *testing.T) {
	v, err := New("tamper-secret")
	require.NoError(t, err)

	blob, err := v.Encrypt([]byte("sensitive"))
	require.NoError(t, err)

	for _, offset := range []int{0, saltSize, saltSize + nonceSize, len(blob) - 1} {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[offset] ^= 0x01

		_, err := v.Decrypt(tampered)
		assert.ErrorIs(t, err, ErrDecrypt, "flipped byte at offset %d", offset)
	}
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	v, err := New("short-secret")
	require.NoError(t, err)

	_, err = v.Decrypt(make([]byte, saltSize+nonceSize-1))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsWrongSecret(t *testing.T) {
	a, err := New("secret-a")
	require.NoError(t, err)
	b, err := New("secret-b")
	require.NoError(t, err)

	blob, err := a.Encrypt([]byte("only for a"))
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	v, err := New("empty-secret")
	require.NoError(t, err)

	blob, err := v.Encrypt(nil)
	require.NoError(t, err)

	decrypted, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestEncryptStringRoundTrip(t *testing.T) {
	v, err := New("string-secret")
	require.NoError(t, err)

	encoded, err := v.EncryptString("archive passphrase")
	require.NoError(t, err)

	decoded, err := v.DecryptString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "archive passphrase", decoded)

	_, err = v.DecryptString("not base64!!!")
	assert.ErrorIs(t, err, ErrDecrypt)
}
