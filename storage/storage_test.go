package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncryptedStorage(t *testing.T) *S3Storage {
	t.Helper()

	s := &S3Storage{BucketName: "test-bucket"}
	key := strings.Repeat("ab", 32) // 32 bytes hex-encoded
	err := s.EnableEncryption(key)
	require.NoError(t, err)
	return s
}

func TestEnableEncryption(t *testing.T) {
	t.Run("ValidKey", func(t *testing.T) {
		s := &S3Storage{}
		err := s.EnableEncryption(strings.Repeat("0f", 32))
		require.NoError(t, err)
		assert.True(t, s.Encrypt)
		assert.Len(t, s.EncryptionKey, 32)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		s := &S3Storage{}
		err := s.EnableEncryption("")
		assert.Error(t, err)
		assert.False(t, s.Encrypt)
	})

	t.Run("NotHex", func(t *testing.T) {
		s := &S3Storage{}
		err := s.EnableEncryption(strings.Repeat("zz", 32))
		assert.Error(t, err)
	})

	t.Run("WrongLength", func(t *testing.T) {
		s := &S3Storage{}
		err := s.EnableEncryption("abcdef")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newEncryptedStorage(t)

	plaintext := []byte("Subject: accepted pkg 1.2-1\n\nBody of the announcement.\n")
	ciphertext, err := s.encryptData(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Greater(t, len(ciphertext), len(plaintext))

	decrypted, err := s.decryptData(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptDataUniqueNonce(t *testing.T) {
	s := newEncryptedStorage(t)

	plaintext := []byte("same content")
	first, err := s.encryptData(plaintext)
	require.NoError(t, err)
	second, err := s.encryptData(plaintext)
	require.NoError(t, err)

	// A fresh random nonce per call means identical plaintexts never
	// produce identical ciphertexts.
	assert.NotEqual(t, first, second)
}

func TestDecryptDataErrors(t *testing.T) {
	s := newEncryptedStorage(t)

	t.Run("TooShort", func(t *testing.T) {
		_, err := s.decryptData([]byte("short"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ciphertext too short")
	})

	t.Run("Tampered", func(t *testing.T) {
		ciphertext, err := s.encryptData([]byte("payload"))
		require.NoError(t, err)
		ciphertext[len(ciphertext)-1] ^= 0xff

		_, err = s.decryptData(ciphertext)
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		ciphertext, err := s.encryptData([]byte("payload"))
		require.NoError(t, err)

		other := &S3Storage{}
		otherKey, _ := hex.DecodeString(strings.Repeat("cd", 32))
		other.Encrypt = true
		other.EncryptionKey = otherKey

		_, err = other.decryptData(ciphertext)
		assert.Error(t, err)
	})
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "none"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("AccessDenied: not allowed"), "access_denied"},
		{fmt.Errorf("status 403 Forbidden"), "access_denied"},
		{fmt.Errorf("NoSuchKey: missing"), "not_found"},
		{fmt.Errorf("SlowDown: reduce request rate"), "throttled"},
		{fmt.Errorf("dial tcp: connection refused"), "network_error"},
		{fmt.Errorf("something else entirely"), "unknown"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, classifyS3Error(tc.err), "error: %v", tc.err)
	}
}

func TestIsTransientS3Error(t *testing.T) {
	transient := []error{
		fmt.Errorf("dial tcp: connection refused"),
		fmt.Errorf("read: connection reset by peer"),
		fmt.Errorf("i/o timeout"),
		fmt.Errorf("503 Service Unavailable"),
		fmt.Errorf("SlowDown: reduce request rate"),
	}
	for _, err := range transient {
		assert.True(t, isTransientS3Error(err), "expected transient: %v", err)
	}

	permanent := []error{
		nil,
		fmt.Errorf("AccessDenied: not allowed"),
		fmt.Errorf("InvalidBucketName: bad name"),
	}
	for _, err := range permanent {
		assert.False(t, isTransientS3Error(err), "expected permanent: %v", err)
	}
}
