package storage

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BlobStore wraps MinIO operations under the {sessionId}/{fileId} key
// schema (§4.4), with tracing matching the teacher's MinioClient.
type BlobStore struct {
	client     *minio.Client
	bucketName string
}

// NewBlobStore initializes a MinIO-backed blob store, creating the bucket if
// it doesn't already exist.
func NewBlobStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*BlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	bs := &BlobStore{client: client, bucketName: bucketName}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return bs, nil
}

// Key builds the {sessionId}/{fileId} object key §4.4 mandates.
func Key(sessionID, fileID string) string {
	return sessionID + "/" + fileID
}

// Put uploads a stream of known length to key.
func (b *BlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "blob.put",
		trace.WithAttributes(attribute.String("key", key), attribute.Int64("size_bytes", size)))
	defer span.End()

	_, err := b.client.PutObject(ctx, b.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Get returns a streaming reader over the object at key; the caller must
// close it.
func (b *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "blob.get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	obj, err := b.client.GetObject(ctx, b.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	// Force a stat so a missing object surfaces here, not on first Read.
	if _, err := obj.Stat(); err != nil {
		span.RecordError(err)
		obj.Close()
		return nil, fmt.Errorf("object not found %s: %w", key, err)
	}
	return obj, nil
}

// Delete removes the object at key.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "blob.delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if err := b.client.RemoveObject(ctx, b.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// List returns every object key under prefix, used only by the reaper.
func (b *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "blob.list", trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	span.SetAttributes(attribute.Int("count", len(keys)))
	return keys, nil
}

// CreateMultipart opens a new chunked upload against key and returns the
// blob store's uploadId (§4.4, §4.5.c). No server-side record is kept; the
// caller embeds uploadId in a multipart token.
func (b *BlobStore) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "blob.multipart_create", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	core := minio.Core{Client: b.client}
	uploadID, err := core.NewMultipartUpload(ctx, b.bucketName, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	return uploadID, nil
}

// UploadPart uploads one part of an in-flight multipart upload and returns
// the ETag the store assigned it (§4.5.d). Re-uploading the same partNumber
// replaces the prior part, per the blob store's own semantics.
func (b *BlobStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader, size int64) (string, error) {
	ctx, span := tracer.Start(ctx, "blob.multipart_upload_part",
		trace.WithAttributes(attribute.String("key", key), attribute.Int("part_number", partNumber)))
	defer span.End()

	core := minio.Core{Client: b.client}
	part, err := core.PutObjectPart(ctx, b.bucketName, key, uploadID, partNumber, data, size, minio.PutObjectPartOptions{})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to upload part %d for %s: %w", partNumber, key, err)
	}
	return part.ETag, nil
}

// MultipartPart is one client-reported {partNumber, etag} pair supplied at
// complete time (§4.5.e).
type MultipartPart struct {
	PartNumber int
	ETag       string
}

// CompleteMultipart assembles the parts, sorted ascending by partNumber, into
// the final object at key (§4.5.e).
func (b *BlobStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []MultipartPart) error {
	ctx, span := tracer.Start(ctx, "blob.multipart_complete",
		trace.WithAttributes(attribute.String("key", key), attribute.Int("part_count", len(parts))))
	defer span.End()

	sorted := make([]MultipartPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	complete := make([]minio.CompletePart, len(sorted))
	for i, p := range sorted {
		complete[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	core := minio.Core{Client: b.client}
	_, err := core.CompleteMultipartUpload(ctx, b.bucketName, key, uploadID, complete, minio.PutObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

// AbortMultipart cancels an in-flight multipart upload, called by the reaper
// for abandoned sessions (§4.6 step 3, §9 open question).
func (b *BlobStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	ctx, span := tracer.Start(ctx, "blob.multipart_abort", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	core := minio.Core{Client: b.client}
	if err := core.AbortMultipartUpload(ctx, b.bucketName, key, uploadID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to abort multipart upload for %s: %w", key, err)
	}
	return nil
}

// ListMultipartUploads enumerates in-flight multipart uploads under prefix,
// used by the reaper to discover uploadIds the service has no other record
// of (§9 open question, resolved via the blob store's own listing).
func (b *BlobStore) ListMultipartUploads(ctx context.Context, prefix string) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "blob.list_multipart_uploads", trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	core := minio.Core{Client: b.client}
	result, err := core.ListMultipartUploads(ctx, b.bucketName, prefix, "", "", "/", 1000)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list multipart uploads under %s: %w", prefix, err)
	}

	out := map[string]string{}
	for _, u := range result.Uploads {
		out[u.Key] = u.UploadID
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}
