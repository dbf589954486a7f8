package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadToken_RoundTrip(t *testing.T) {
	svc := NewService("test-secret")
	tok, err := svc.MintUpload("sess-1")
	require.NoError(t, err)

	claims, err := svc.VerifyUpload(tok)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, TypeUpload, claims.Type)
}

func TestChestToken_PermanentUsesLongExpiry(t *testing.T) {
	svc := NewService("test-secret")
	tok, err := svc.MintChest("sess-1", nil)
	require.NoError(t, err)

	claims, err := svc.VerifyChest(tok)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(ChestTokenMaxTTL), claims.ExpiresAt.Time, time.Minute)
}

func TestChestToken_BoundToExpiresAt(t *testing.T) {
	svc := NewService("test-secret")
	exp := time.Now().Add(7 * 24 * time.Hour)
	tok, err := svc.MintChest("sess-1", &exp)
	require.NoError(t, err)

	claims, err := svc.VerifyChest(tok)
	require.NoError(t, err)
	assert.WithinDuration(t, exp, claims.ExpiresAt.Time, time.Second)
}

func TestMultipartToken_CarriesUploadState(t *testing.T) {
	svc := NewService("test-secret")
	tok, err := svc.MintMultipart(MultipartParams{
		SessionID: "sess-1",
		FileID:    "file-1",
		UploadID:  "upload-xyz",
		Filename:  "big.bin",
		MimeType:  "application/octet-stream",
		FileSize:  20,
	})
	require.NoError(t, err)

	claims, err := svc.VerifyMultipart(tok)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "file-1", claims.FileID)
	assert.Equal(t, "upload-xyz", claims.UploadID)
	assert.Equal(t, "big.bin", claims.Filename)
	assert.EqualValues(t, 20, claims.FileSize)
}

func TestVerify_WrongTokenType(t *testing.T) {
	svc := NewService("test-secret")
	tok, err := svc.MintUpload("sess-1")
	require.NoError(t, err)

	_, err = svc.VerifyChest(tok)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerify_ExpiredToken(t *testing.T) {
	svc := NewService("test-secret")
	past := time.Now().Add(-time.Hour)
	tok, err := svc.MintChest("sess-1", &past)
	require.NoError(t, err)

	_, err = svc.VerifyChest(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_InvalidSignature(t *testing.T) {
	svc := NewService("test-secret")
	other := NewService("other-secret")
	tok, err := svc.MintUpload("sess-1")
	require.NoError(t, err)

	_, err = other.VerifyUpload(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_MalformedToken(t *testing.T) {
	svc := NewService("test-secret")
	_, err := svc.VerifyUpload("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
