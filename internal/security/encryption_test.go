package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRoundTrip(t *testing.T) {
	require.NoError(t, InitializeKey("unit-test-secret"))

	blob, iv, tag, err := EncryptCredential("s3cret-password")
	require.NoError(t, err)
	assert.NotEmpty(t, blob)
	assert.NotEmpty(t, iv)
	assert.NotEmpty(t, tag)

	plain, err := DecryptCredential(blob, iv, tag)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-password", plain)
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	require.NoError(t, InitializeKey("unit-test-secret"))

	blob, iv, tag, err := EncryptCredential("s3cret-password")
	require.NoError(t, err)

	// Flip one hex digit of the auth tag.
	tampered := []byte(tag)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	_, err = DecryptCredential(blob, iv, string(tampered))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	require.NoError(t, InitializeKey("key-one"))
	blob, iv, tag, err := EncryptCredential("s3cret-password")
	require.NoError(t, err)

	require.NoError(t, InitializeKey("key-two"))
	_, err = DecryptCredential(blob, iv, tag)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestInitializeKeyEmptySecret(t *testing.T) {
	assert.ErrorIs(t, InitializeKey(""), ErrNoKey)
}

func TestFileEncryptionRoundTrip(t *testing.T) {
	require.NoError(t, InitializeKey("unit-test-secret"))
	dir := t.TempDir()

	plainPath := filepath.Join(dir, "dump.sql")
	encPath := filepath.Join(dir, "dump.sql.enc")
	outPath := filepath.Join(dir, "dump.out.sql")
	require.NoError(t, os.WriteFile(plainPath, []byte("pg_dump contents"), 0o600))

	require.NoError(t, EncryptFile(plainPath, encPath))
	assert.True(t, IsEncryptedFile(encPath))
	assert.False(t, IsEncryptedFile(plainPath))

	require.NoError(t, DecryptFile(encPath, outPath))
	restored, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("pg_dump contents"), restored)
}

func TestDecryptFileRejectsPlainInput(t *testing.T) {
	require.NoError(t, InitializeKey("unit-test-secret"))
	dir := t.TempDir()

	plainPath := filepath.Join(dir, "dump.sql")
	require.NoError(t, os.WriteFile(plainPath, []byte("not encrypted"), 0o600))

	err := DecryptFile(plainPath, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid encrypted file format")
}
