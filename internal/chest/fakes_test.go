package chest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/maneesh/chestbox/internal/models"
	"github.com/maneesh/chestbox/internal/storage"
)

// fakeMetadataStore is an in-memory stand-in for storage.MetadataStore.
type fakeMetadataStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	files    map[string][]*models.File // sessionID -> files
	sealErr  error                     // if set, the next MarkSealed call returns this error and clears it
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{
		sessions: map[string]*models.Session{},
		files:    map[string][]*models.File{},
	}
}

func (f *fakeMetadataStore) InsertSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.sessions[id] = &models.Session{ID: id, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (f *fakeMetadataStore) GetOpenSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.IsDeleted || s.UploadComplete {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeMetadataStore) GetSealedByCode(ctx context.Context, code string, now time.Time) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RetrievalCode == nil || *s.RetrievalCode != code {
			continue
		}
		if s.IsDeleted || !s.UploadComplete {
			continue
		}
		if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
			continue
		}
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeMetadataStore) MarkSealed(ctx context.Context, id, retrievalCode string, expiresAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealErr != nil {
		err := f.sealErr
		f.sealErr = nil
		return false, err
	}
	for _, s := range f.sessions {
		if s.ID != id && s.RetrievalCode != nil && *s.RetrievalCode == retrievalCode {
			return false, storage.ErrCodeCollision
		}
	}
	s, ok := f.sessions[id]
	if !ok || s.UploadComplete || s.IsDeleted {
		return false, nil
	}
	s.RetrievalCode = &retrievalCode
	s.UploadComplete = true
	s.ExpiresAt = expiresAt
	s.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeMetadataStore) InsertFiles(ctx context.Context, files []*models.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range files {
		f.files[file.SessionID] = append(f.files[file.SessionID], file)
	}
	return nil
}

func (f *fakeMetadataStore) ListSessionFiles(ctx context.Context, sessionID string) ([]*models.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.File{}, f.files[sessionID]...), nil
}

func (f *fakeMetadataStore) CountSessionFiles(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files[sessionID]), nil
}

func (f *fakeMetadataStore) FileIDsForSession(ctx context.Context, sessionID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, file := range f.files[sessionID] {
		out[file.ID] = true
	}
	return out, nil
}

func (f *fakeMetadataStore) GetFileInSession(ctx context.Context, fileID, sessionID string) (*models.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.files[sessionID] {
		if file.ID == fileID {
			cp := *file
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMetadataStore) SoftDeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.IsDeleted = true
	}
	return nil
}

func (f *fakeMetadataStore) SoftDeleteFiles(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.files[sessionID] {
		file.IsDeleted = true
	}
	return nil
}

func (f *fakeMetadataStore) SelectExpiredSessions(ctx context.Context, now time.Time) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, s := range f.sessions {
		if !s.IsDeleted && s.Expired(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeMetadataStore) SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, s := range f.sessions {
		if !s.IsDeleted && !s.UploadComplete && s.CreatedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeBlobStore is an in-memory stand-in for storage.BlobStore.
type fakeBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart map[string]map[int][]byte // uploadID -> partNumber -> data
	nextID    int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects:   map[string][]byte{},
		multipart: map[string]map[int][]byte{},
	}
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeBlobStore) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "upload-" + itoa(f.nextID)
	f.multipart[id] = map[int][]byte{}
	return id, nil
}

func (f *fakeBlobStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader, size int64) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multipart[uploadID][partNumber] = buf
	return "etag-" + itoa(partNumber), nil
}

func (f *fakeBlobStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.MultipartPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var whole []byte
	for _, p := range parts {
		whole = append(whole, f.multipart[uploadID][p.PartNumber]...)
	}
	f.objects[key] = whole
	delete(f.multipart, uploadID)
	return nil
}

func (f *fakeBlobStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.multipart, uploadID)
	return nil
}

func (f *fakeBlobStore) ListMultipartUploads(ctx context.Context, prefix string) (map[string]string, error) {
	return map[string]string{}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

// fakeCache is an in-memory stand-in for storage.SessionCache that never
// actually caches, keeping tests independent of cache-aside timing.
type fakeCache struct{}

func (fakeCache) Get(ctx context.Context, sessionID string) (*models.Session, error) { return nil, nil }
func (fakeCache) Set(ctx context.Context, s *models.Session) error                   { return nil }
func (fakeCache) Invalidate(ctx context.Context, sessionID string) error             { return nil }
