package chest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/chestbox/internal/storage"
	"github.com/maneesh/chestbox/internal/tokens"
	"github.com/maneesh/chestbox/internal/totp"
)

func newTestEngine() (*Engine, *fakeMetadataStore, *fakeBlobStore) {
	meta := newFakeMetadataStore()
	blobs := newFakeBlobStore()
	eng := New(meta, blobs, fakeCache{}, tokens.NewService("test-signing-secret"), totp.Secrets{}, false)
	return eng, meta, blobs
}

func TestCreateChest(t *testing.T) {
	eng, _, _ := newTestEngine()
	created, err := eng.CreateChest(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, created.SessionID)
	assert.NotEmpty(t, created.UploadToken)
	assert.Equal(t, int64(tokens.UploadTokenTTL.Seconds()), created.ExpiresIn)
}

func TestCreateChest_RequiresTOTPWhenConfigured(t *testing.T) {
	meta := newFakeMetadataStore()
	blobs := newFakeBlobStore()
	secrets, err := totp.ParseSecrets("admin:JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	eng := New(meta, blobs, fakeCache{}, tokens.NewService("secret"), secrets, true)

	_, err = eng.CreateChest(context.Background(), "")
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnauthorized, cErr.Kind)

	_, err = eng.CreateChest(context.Background(), "000000")
	require.Error(t, err)
	cErr, ok = AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnauthorized, cErr.Kind)
}

func TestUploadFiles_ThenSealAndRetrieve(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)

	uploaded, err := eng.UploadFiles(ctx, created.SessionID, created.UploadToken, []InputPart{
		{IsText: false, Filename: "a.txt", MimeType: "text/plain", Body: strings.NewReader("hello"), Size: 5},
		{IsText: true, Filename: "note.txt", Body: strings.NewReader("a note")},
	})
	require.NoError(t, err)
	require.Len(t, uploaded, 2)
	assert.Equal(t, "a.txt", uploaded[0].Filename)
	assert.True(t, uploaded[1].IsText)

	fileIDs := []string{uploaded[0].FileID, uploaded[1].FileID}
	sealed, err := eng.SealChest(ctx, created.SessionID, created.UploadToken, fileIDs, 7)
	require.NoError(t, err)
	assert.Len(t, sealed.RetrievalCode, 6)
	require.NotNil(t, sealed.ExpiryDate)

	retrieved, err := eng.RetrieveByCode(ctx, sealed.RetrievalCode)
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, retrieved.SessionID)
	require.Len(t, retrieved.Files, 2)
	assert.NotEmpty(t, retrieved.ChestToken)

	dl, err := eng.DownloadFile(ctx, uploaded[0].FileID, retrieved.ChestToken)
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, int64(5), dl.FileSize)
}

func TestSealChest_PermanentWhenValidityIsMinusOne(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)
	uploaded, err := eng.UploadFiles(ctx, created.SessionID, created.UploadToken, []InputPart{
		{Filename: "f.bin", MimeType: "application/octet-stream", Body: strings.NewReader("x"), Size: 1},
	})
	require.NoError(t, err)

	sealed, err := eng.SealChest(ctx, created.SessionID, created.UploadToken, []string{uploaded[0].FileID}, -1)
	require.NoError(t, err)
	assert.Nil(t, sealed.ExpiryDate)
}

func TestSealChest_RejectsInvalidValidityDays(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)

	_, err = eng.SealChest(ctx, created.SessionID, created.UploadToken, nil, 2)
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, cErr.Kind)
}

func TestSealChest_RejectsMismatchedFileIDs(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)
	_, err = eng.UploadFiles(ctx, created.SessionID, created.UploadToken, []InputPart{
		{Filename: "f.bin", MimeType: "application/octet-stream", Body: strings.NewReader("x"), Size: 1},
	})
	require.NoError(t, err)

	_, err = eng.SealChest(ctx, created.SessionID, created.UploadToken, []string{"00000000-0000-4000-8000-000000000000"}, 7)
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, cErr.Kind)
}

func TestSealChest_RetriesOnCollision(t *testing.T) {
	eng, meta, _ := newTestEngine()
	ctx := context.Background()
	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)

	meta.sealErr = storage.ErrCodeCollision
	sealed, err := eng.SealChest(ctx, created.SessionID, created.UploadToken, nil, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.RetrievalCode)
}

func TestUploadFiles_RejectsInvalidUploadToken(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := eng.UploadFiles(ctx, "nonexistent", "garbage-token", nil)
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnauthorized, cErr.Kind)
}

func TestUploadFiles_RejectsWrongSession(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)

	_, err = eng.UploadFiles(ctx, "some-other-session", created.UploadToken, nil)
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindForbidden, cErr.Kind)
}

func TestRetrieveByCode_RejectsMalformedCode(t *testing.T) {
	eng, _, _ := newTestEngine()
	_, err := eng.RetrieveByCode(context.Background(), "bad")
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, cErr.Kind)
}

func TestRetrieveByCode_NotFoundWhenUnsealed(t *testing.T) {
	eng, _, _ := newTestEngine()
	_, err := eng.RetrieveByCode(context.Background(), "ABC123")
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, cErr.Kind)
}

func TestMultipartLifecycle(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)

	mp, err := eng.CreateMultipartUpload(ctx, created.SessionID, created.UploadToken, "big.bin", "application/octet-stream", 10)
	require.NoError(t, err)
	require.NotEmpty(t, mp.FileID)
	require.NotEmpty(t, mp.MultipartToken)

	p1, err := eng.UploadPart(ctx, created.SessionID, mp.FileID, 1, mp.MultipartToken, strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.PartNumber)

	p2, err := eng.UploadPart(ctx, created.SessionID, mp.FileID, 2, mp.MultipartToken, strings.NewReader("world"), 5)
	require.NoError(t, err)

	completed, err := eng.CompleteMultipart(ctx, created.SessionID, mp.FileID, mp.MultipartToken, []PartInput{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)
	assert.Equal(t, "big.bin", completed.Filename)

	sealed, err := eng.SealChest(ctx, created.SessionID, created.UploadToken, []string{mp.FileID}, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.RetrievalCode)
}

func TestUploadPart_RejectsOutOfRangePartNumber(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)
	mp, err := eng.CreateMultipartUpload(ctx, created.SessionID, created.UploadToken, "f.bin", "application/octet-stream", 10)
	require.NoError(t, err)

	_, err = eng.UploadPart(ctx, created.SessionID, mp.FileID, 0, mp.MultipartToken, strings.NewReader("x"), 1)
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, cErr.Kind)
}

func TestDownloadFile_RejectsTokenForOtherSession(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	created, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)
	uploaded, err := eng.UploadFiles(ctx, created.SessionID, created.UploadToken, []InputPart{
		{Filename: "f.bin", MimeType: "application/octet-stream", Body: strings.NewReader("x"), Size: 1},
	})
	require.NoError(t, err)
	sealed, err := eng.SealChest(ctx, created.SessionID, created.UploadToken, []string{uploaded[0].FileID}, 7)
	require.NoError(t, err)
	retrieved, err := eng.RetrieveByCode(ctx, sealed.RetrievalCode)
	require.NoError(t, err)

	other, err := eng.CreateChest(ctx, "")
	require.NoError(t, err)
	otherFiles, err := eng.UploadFiles(ctx, other.SessionID, other.UploadToken, []InputPart{
		{Filename: "g.bin", MimeType: "application/octet-stream", Body: strings.NewReader("y"), Size: 1},
	})
	require.NoError(t, err)

	_, err = eng.DownloadFile(ctx, otherFiles[0].FileID, retrieved.ChestToken)
	require.Error(t, err)
	cErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, cErr.Kind)
}

func TestContentDisposition_EncodesNonASCII(t *testing.T) {
	header := contentDisposition("café notes\".txt")
	assert.Contains(t, header, "filename*=UTF-8''")
	assert.Contains(t, header, "attachment;")
}
