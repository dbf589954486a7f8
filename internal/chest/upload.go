package chest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/maneesh/chestbox/internal/ids"
	"github.com/maneesh/chestbox/internal/logging"
	"github.com/maneesh/chestbox/internal/models"
	"github.com/maneesh/chestbox/internal/storage"
	"github.com/maneesh/chestbox/internal/tokens"
)

// InputPart is one part of an uploadFiles request: either a binary file or
// an inline text item, normalized to a single shape the engine can stream to
// the blob store (§4.5.b).
type InputPart struct {
	IsText   bool
	Filename string // from form header or textItems{filename}
	MimeType string // default application/octet-stream; text forces text/plain
	Body     io.Reader
	Size     int64 // only meaningful for file parts; recomputed for text
}

// UploadedFile is one element of the (b) uploadFiles response, in input
// order (§5 ordering guarantee).
type UploadedFile struct {
	FileID   string
	Filename string
	IsText   bool
}

// UploadFiles streams each part's body directly to the blob store and
// batches the resulting file rows into one insert (§4.5.b). All blob puts
// are issued concurrently and awaited together; any failure fails the whole
// request (§5 in-request parallelism).
func (e *Engine) UploadFiles(ctx context.Context, sessionID, uploadToken string, parts []InputPart) ([]UploadedFile, error) {
	if _, err := e.authorizeUpload(ctx, sessionID, uploadToken); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return []UploadedFile{}, nil
	}

	type prepared struct {
		file     *models.File
		uploaded UploadedFile
	}

	prep := make([]prepared, len(parts))
	for i, p := range parts {
		fileID := ids.NewUUID()
		filename := p.Filename
		mimeType := p.MimeType
		var size int64

		if p.IsText {
			data, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, internal("failed to read text item", err)
			}
			size = int64(len(data))
			if filename == "" {
				filename = fmt.Sprintf("text-%d.txt", time.Now().UnixMilli())
			}
			mimeType = "text/plain"
			parts[i].Body = bytes.NewReader(data)
			parts[i].Size = size
		} else {
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			if filename == "" {
				filename = "unnamed-file"
			}
			size = p.Size
		}

		prep[i] = prepared{
			file: &models.File{
				ID:               fileID,
				SessionID:        sessionID,
				OriginalFilename: filename,
				MimeType:         mimeType,
				FileSize:         size,
				FileExtension:    extensionOf(filename),
				IsText:           p.IsText,
			},
			uploaded: UploadedFile{FileID: fileID, Filename: filename, IsText: p.IsText},
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(parts))
	for i := range parts {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := storage.Key(sessionID, prep[idx].file.ID)
			if err := e.blobs.Put(ctx, key, parts[idx].Body, parts[idx].Size, prep[idx].file.MimeType); err != nil {
				errCh <- internal("failed to store blob", err)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}

	files := make([]*models.File, len(prep))
	result := make([]UploadedFile, len(prep))
	for i, p := range prep {
		files[i] = p.file
		result[i] = p.uploaded
	}
	if err := e.meta.InsertFiles(ctx, files); err != nil {
		return nil, internal("failed to record uploaded files", err)
	}

	logging.S.Infow("files uploaded", "session_id", sessionID, "count", len(result))
	return result, nil
}

// CreatedMultipart is the response to (c) createMultipartUpload.
type CreatedMultipart struct {
	FileID         string
	MultipartToken string
}

// CreateMultipartUpload opens a chunked upload at the blob store and mints a
// 48h multipart token carrying the declared metadata and the blob store's
// uploadId (§4.5.c). No files row is written yet.
func (e *Engine) CreateMultipartUpload(ctx context.Context, sessionID, uploadToken, filename, mimeType string, fileSize int64) (*CreatedMultipart, error) {
	if _, err := e.authorizeUpload(ctx, sessionID, uploadToken); err != nil {
		return nil, err
	}
	if filename == "" || mimeType == "" {
		return nil, badRequest("filename and mimeType are required")
	}
	if fileSize <= 0 {
		return nil, badRequest("fileSize must be positive")
	}

	fileID := ids.NewUUID()
	key := storage.Key(sessionID, fileID)
	uploadID, err := e.blobs.CreateMultipart(ctx, key, mimeType)
	if err != nil {
		return nil, internal("failed to create multipart upload", err)
	}

	tok, err := e.tok.MintMultipart(tokens.MultipartParams{
		SessionID: sessionID,
		FileID:    fileID,
		UploadID:  uploadID,
		Filename:  filename,
		MimeType:  mimeType,
		FileSize:  fileSize,
	})
	if err != nil {
		return nil, internal("failed to mint multipart token", err)
	}

	return &CreatedMultipart{FileID: fileID, MultipartToken: tok}, nil
}

// UploadedPart is the response to (d) uploadPart.
type UploadedPart struct {
	ETag       string
	PartNumber int
}

// UploadPart uploads one part of an in-flight chunked upload (§4.5.d).
func (e *Engine) UploadPart(ctx context.Context, sessionID, fileID string, partNumber int, multipartToken string, body io.Reader, size int64) (*UploadedPart, error) {
	claims, err := e.authorizeMultipart(sessionID, fileID, multipartToken)
	if err != nil {
		return nil, err
	}
	if partNumber < 1 || partNumber > 10000 {
		return nil, badRequest("partNumber must be between 1 and 10000")
	}
	if size <= 0 {
		return nil, badRequest("part body must not be empty")
	}

	key := storage.Key(sessionID, fileID)
	etag, err := e.blobs.UploadPart(ctx, key, claims.UploadID, partNumber, body, size)
	if err != nil {
		return nil, internal("failed to upload part", err)
	}
	return &UploadedPart{ETag: etag, PartNumber: partNumber}, nil
}

// CompletedMultipart is the response to (e) completeMultipart.
type CompletedMultipart struct {
	FileID   string
	Filename string
}

// PartInput is one client-reported {partNumber, etag} pair at complete time.
type PartInput struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// CompleteMultipart assembles the parts and, only once the blob store
// confirms assembly, inserts the files row (§4.5.e). A failed complete
// leaves no row.
func (e *Engine) CompleteMultipart(ctx context.Context, sessionID, fileID, multipartToken string, parts []PartInput) (*CompletedMultipart, error) {
	claims, err := e.authorizeMultipart(sessionID, fileID, multipartToken)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, badRequest("parts must not be empty")
	}

	blobParts := make([]storage.MultipartPart, len(parts))
	for i, p := range parts {
		blobParts[i] = storage.MultipartPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	key := storage.Key(sessionID, fileID)
	if err := e.blobs.CompleteMultipart(ctx, key, claims.UploadID, blobParts); err != nil {
		return nil, internal("failed to complete multipart upload", err)
	}

	file := &models.File{
		ID:               fileID,
		SessionID:        sessionID,
		OriginalFilename: claims.Filename,
		MimeType:         claims.MimeType,
		FileSize:         claims.FileSize,
		FileExtension:    extensionOf(claims.Filename),
		IsText:           false,
	}
	if err := e.meta.InsertFiles(ctx, []*models.File{file}); err != nil {
		return nil, internal("failed to record completed file", err)
	}

	logging.S.Infow("multipart upload completed", "session_id", sessionID, "file_id", fileID)
	return &CompletedMultipart{FileID: fileID, Filename: claims.Filename}, nil
}

func (e *Engine) authorizeMultipart(sessionID, fileID, multipartToken string) (*tokens.MultipartClaims, error) {
	claims, err := e.tok.VerifyMultipart(multipartToken)
	if err != nil {
		return nil, mapTokenErr(err)
	}
	if claims.SessionID != sessionID || claims.FileID != fileID {
		return nil, forbidden("token does not authorize this session/file")
	}
	return claims, nil
}

func extensionOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i+1:]
		}
		if filename[i] == '/' {
			break
		}
	}
	return ""
}
