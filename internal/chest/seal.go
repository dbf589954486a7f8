package chest

import (
	"context"
	"errors"
	"time"

	"github.com/maneesh/chestbox/internal/ids"
	"github.com/maneesh/chestbox/internal/logging"
	"github.com/maneesh/chestbox/internal/storage"
)

// Sealed is the response to (f) sealChest.
type Sealed struct {
	RetrievalCode string
	ExpiryDate    *time.Time
}

// SealChest validates ownership of the declared fileIds, computes expiresAt
// from validityDays, and conditionally transitions the session to Sealed,
// retrying retrieval-code generation on collision (§4.5.f, §4.1, §9).
func (e *Engine) SealChest(ctx context.Context, sessionID, uploadToken string, fileIDs []string, validityDays int) (*Sealed, error) {
	if _, err := e.authorizeUpload(ctx, sessionID, uploadToken); err != nil {
		return nil, err
	}
	if !validValidityDays[validityDays] {
		return nil, badRequest("validityDays must be one of 1, 3, 7, 15, -1")
	}
	for _, id := range fileIDs {
		if !ids.ValidUUID(id) {
			return nil, badRequest("fileIds must be valid UUIDs")
		}
	}

	owned, err := e.meta.FileIDsForSession(ctx, sessionID)
	if err != nil {
		return nil, internal("failed to load session files", err)
	}
	if len(fileIDs) != len(owned) {
		return nil, badRequest("fileIds does not match the session's uploaded files")
	}
	for _, id := range fileIDs {
		if !owned[id] {
			return nil, badRequest("fileId does not belong to this session")
		}
	}

	var expiresAt *time.Time
	if validityDays != -1 {
		t := time.Now().Add(time.Duration(validityDays) * 24 * time.Hour)
		expiresAt = &t
	}

	var code string
	var sealedOK bool
	for attempt := 0; attempt < MaxSealCollisionAttempts; attempt++ {
		code, err = ids.NewRetrievalCode()
		if err != nil {
			return nil, internal("failed to generate retrieval code", err)
		}
		ok, err := e.meta.MarkSealed(ctx, sessionID, code, expiresAt)
		if errors.Is(err, storage.ErrCodeCollision) {
			continue // retrieval code taken; draw a fresh one
		}
		if err != nil {
			return nil, internal("failed to seal session", err)
		}
		if ok {
			sealedOK = true
			break
		}
		// Zero rows affected with no collision error means the session was
		// concurrently sealed, deleted, or never existed.
		return nil, notFound("session not found or already sealed")
	}
	if !sealedOK {
		return nil, conflict("failed to assign a unique retrieval code")
	}

	_ = e.cache.Invalidate(ctx, sessionID)
	logging.S.Infow("chest sealed", "session_id", sessionID, "retrieval_code", code, "validity_days", validityDays)
	return &Sealed{RetrievalCode: code, ExpiryDate: expiresAt}, nil
}
