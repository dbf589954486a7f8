package chest

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/maneesh/chestbox/internal/ids"
	"github.com/maneesh/chestbox/internal/logging"
	"github.com/maneesh/chestbox/internal/models"
	"github.com/maneesh/chestbox/internal/storage"
	"github.com/maneesh/chestbox/internal/tokens"
	"github.com/maneesh/chestbox/internal/totp"
)

// MetadataStore is the subset of storage.MetadataStore the engine needs;
// narrowed to an interface so tests can substitute a fake.
type MetadataStore interface {
	InsertSession(ctx context.Context, id string) error
	GetOpenSession(ctx context.Context, id string) (*models.Session, error)
	GetSealedByCode(ctx context.Context, code string, now time.Time) (*models.Session, error)
	MarkSealed(ctx context.Context, id, retrievalCode string, expiresAt *time.Time) (bool, error)
	InsertFiles(ctx context.Context, files []*models.File) error
	ListSessionFiles(ctx context.Context, sessionID string) ([]*models.File, error)
	CountSessionFiles(ctx context.Context, sessionID string) (int, error)
	FileIDsForSession(ctx context.Context, sessionID string) (map[string]bool, error)
	GetFileInSession(ctx context.Context, fileID, sessionID string) (*models.File, error)
	SoftDeleteSession(ctx context.Context, id string) error
	SoftDeleteFiles(ctx context.Context, sessionID string) error
	SelectExpiredSessions(ctx context.Context, now time.Time) ([]*models.Session, error)
	SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
}

// BlobStore is the subset of storage.BlobStore the engine needs.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader, size int64) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.MultipartPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, prefix string) (map[string]string, error)
}

// SessionCache is the cache-aside layer in front of session lookups.
type SessionCache interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Set(ctx context.Context, s *models.Session) error
	Invalidate(ctx context.Context, sessionID string) error
}

// TokenService mints/verifies the three bearer-credential flavors.
type TokenService interface {
	MintUpload(sessionID string) (string, error)
	VerifyUpload(tokenStr string) (*tokens.UploadClaims, error)
	MintChest(sessionID string, expiresAt *time.Time) (string, error)
	VerifyChest(tokenStr string) (*tokens.ChestClaims, error)
	MintMultipart(p tokens.MultipartParams) (string, error)
	VerifyMultipart(tokenStr string) (*tokens.MultipartClaims, error)
}

// ValidityDays the seal operation accepts (§4.5.f); -1 means permanent.
var validValidityDays = map[int]bool{1: true, 3: true, 7: true, 15: true, -1: true}

// MaxSealCollisionAttempts bounds retrieval-code collision retries (§4.1, §9).
const MaxSealCollisionAttempts = 5

// MultipartAbandonHorizon is the age at which an Open session is eligible
// for reaping; it equals the multipart token TTL so no live uploader can
// collide with reaping (§4.6).
const MultipartAbandonHorizon = 48 * time.Hour

// Engine is the chest lifecycle engine (C5).
type Engine struct {
	meta        MetadataStore
	blobs       BlobStore
	cache       SessionCache
	tok         TokenService
	totp        totp.Secrets
	requireTOTP bool
}

// New builds a chest lifecycle engine.
func New(meta MetadataStore, blobs BlobStore, cache SessionCache, tok TokenService, totpSecrets totp.Secrets, requireTOTP bool) *Engine {
	return &Engine{meta: meta, blobs: blobs, cache: cache, tok: tok, totp: totpSecrets, requireTOTP: requireTOTP}
}

// CreatedChest is the response to (a) createChest.
type CreatedChest struct {
	SessionID   string
	UploadToken string
	ExpiresIn   int64
}

// CreateChest mints a sessionId, inserts an Open session row, and issues a
// 24h upload token (§4.5.a).
func (e *Engine) CreateChest(ctx context.Context, totpCode string) (*CreatedChest, error) {
	if e.requireTOTP {
		if totpCode == "" {
			return nil, unauthorized("TOTPRequired")
		}
		if !e.totp.Validate(totpCode) {
			return nil, unauthorized("InvalidTOTP")
		}
	}

	sessionID := ids.NewUUID()
	if err := e.meta.InsertSession(ctx, sessionID); err != nil {
		return nil, internal("failed to create session", err)
	}

	uploadToken, err := e.tok.MintUpload(sessionID)
	if err != nil {
		return nil, internal("failed to mint upload token", err)
	}

	logging.S.Infow("chest created", "session_id", sessionID)
	return &CreatedChest{
		SessionID:   sessionID,
		UploadToken: uploadToken,
		ExpiresIn:   int64(tokens.UploadTokenTTL.Seconds()),
	}, nil
}

// authorizeUpload verifies the upload token and that it authorizes
// sessionID, then loads the Open session it must still refer to.
func (e *Engine) authorizeUpload(ctx context.Context, sessionID, uploadToken string) (*models.Session, error) {
	claims, err := e.tok.VerifyUpload(uploadToken)
	if err != nil {
		return nil, mapTokenErr(err)
	}
	if claims.SessionID != sessionID {
		return nil, forbidden("token does not authorize this session")
	}

	sess, err := e.getOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, notFound("session not found or already sealed")
	}
	return sess, nil
}

func (e *Engine) getOpenSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if cached, err := e.cache.Get(ctx, sessionID); err == nil && cached != nil && !cached.UploadComplete {
		return cached, nil
	}
	sess, err := e.meta.GetOpenSession(ctx, sessionID)
	if err != nil {
		return nil, internal("failed to load session", err)
	}
	if sess != nil {
		_ = e.cache.Set(ctx, sess)
	}
	return sess, nil
}

func mapTokenErr(err error) *Error {
	switch {
	case errors.Is(err, tokens.ErrExpiredToken):
		return unauthorized("token expired")
	case errors.Is(err, tokens.ErrWrongTokenType):
		return unauthorized("wrong token type")
	default:
		return unauthorized("invalid token")
	}
}
