// Package reaper implements the periodic sweep (C6) that soft-deletes
// expired and abandoned sessions and reclaims their blobs. The sweep loop
// itself is grounded on the teacher pack's StartUploadCleaner goroutine
// (sleep-then-scan, best effort, logged failures); the two-selector
// expired-union-abandoned algorithm is §4.6.
package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/maneesh/chestbox/internal/logging"
	"github.com/maneesh/chestbox/internal/models"
)

// MetadataStore is the subset of storage.MetadataStore the reaper needs.
type MetadataStore interface {
	SelectExpiredSessions(ctx context.Context, now time.Time) ([]*models.Session, error)
	SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
	CountSessionFiles(ctx context.Context, sessionID string) (int, error)
	SoftDeleteFiles(ctx context.Context, sessionID string) error
	SoftDeleteSession(ctx context.Context, sessionID string) error
}

// BlobStore is the subset of storage.BlobStore the reaper needs.
type BlobStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	ListMultipartUploads(ctx context.Context, prefix string) (map[string]string, error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// AbandonedHorizon is the age at which an Open session becomes eligible for
// reaping; equal to the multipart token TTL so no live uploader's token can
// still be valid once its session is swept (§4.6).
const AbandonedHorizon = 48 * time.Hour

// Reaper runs the periodic sweep against a metadata store and blob store.
type Reaper struct {
	meta     MetadataStore
	blobs    BlobStore
	interval time.Duration
}

// New builds a reaper; interval is the fixed tick period, and a
// non-positive interval falls back to one hour. cmd/server passes the
// REAPER_INTERVAL setting, which also defaults to one hour.
func New(meta MetadataStore, blobs BlobStore, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{meta: meta, blobs: blobs, interval: interval}
}

// Summary is the per-sweep result emitted as a single structured log line
// (§4.6 step 4).
type Summary struct {
	Expired      int      `json:"expired"`
	Abandoned    int      `json:"abandoned"`
	DeletedFiles int      `json:"deletedFiles"`
	DeletedBlobs int      `json:"deletedBlobs"`
	Errors       []string `json:"errors,omitempty"`
}

// Run launches the sweep goroutine, ticking at the configured interval
// until ctx is canceled. The first sweep happens after the first tick, not
// at startup, matching the teacher's sleep-first cleaner loop.
func (r *Reaper) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

type reapReason string

const (
	reasonExpired   reapReason = "expired"
	reasonAbandoned reapReason = "abandoned"
)

type taggedSession struct {
	session *models.Session
	reason  reapReason
}

// sweep performs one pass. It tolerates overlap: reaping an
// already-soft-deleted session is a harmless no-op at the storage layer, so
// a stalled sweep racing the next tick cannot corrupt state (§4.6).
func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now()
	summary := Summary{}

	expired, err := r.meta.SelectExpiredSessions(ctx, now)
	if err != nil {
		logging.S.Errorw("reaper: failed to select expired sessions", "error", err)
		summary.Errors = append(summary.Errors, err.Error())
		r.emit(summary)
		return
	}

	abandoned, err := r.meta.SelectAbandonedSessions(ctx, now.Add(-AbandonedHorizon))
	if err != nil {
		logging.S.Errorw("reaper: failed to select abandoned sessions", "error", err)
		summary.Errors = append(summary.Errors, err.Error())
		r.emit(summary)
		return
	}

	summary.Expired = len(expired)
	summary.Abandoned = len(abandoned)

	tagged := make([]taggedSession, 0, len(expired)+len(abandoned))
	for _, s := range expired {
		tagged = append(tagged, taggedSession{session: s, reason: reasonExpired})
	}
	for _, s := range abandoned {
		tagged = append(tagged, taggedSession{session: s, reason: reasonAbandoned})
	}

	for _, t := range tagged {
		r.reapSession(ctx, t, &summary)
	}

	r.emit(summary)
}

func (r *Reaper) reapSession(ctx context.Context, t taggedSession, summary *Summary) {
	sessionID := t.session.ID
	prefix := sessionID + "/"

	if t.reason == reasonAbandoned {
		uploads, err := r.blobs.ListMultipartUploads(ctx, prefix)
		if err != nil {
			logging.S.Warnw("reaper: failed to list multipart uploads", "session_id", sessionID, "error", err)
			summary.Errors = append(summary.Errors, err.Error())
		}
		for key, uploadID := range uploads {
			if err := r.blobs.AbortMultipart(ctx, key, uploadID); err != nil {
				logging.S.Warnw("reaper: failed to abort multipart upload", "session_id", sessionID, "key", key, "error", err)
				summary.Errors = append(summary.Errors, err.Error())
			}
		}
	}

	keys, err := r.blobs.List(ctx, prefix)
	if err != nil {
		logging.S.Warnw("reaper: failed to list blobs", "session_id", sessionID, "error", err)
		summary.Errors = append(summary.Errors, err.Error())
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := r.blobs.Delete(ctx, key); err != nil {
			logging.S.Warnw("reaper: failed to delete blob", "key", key, "error", err)
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.DeletedBlobs++
	}

	fileCount, err := r.meta.CountSessionFiles(ctx, sessionID)
	if err != nil {
		logging.S.Warnw("reaper: failed to count session files", "session_id", sessionID, "error", err)
		summary.Errors = append(summary.Errors, err.Error())
	}

	if err := r.meta.SoftDeleteFiles(ctx, sessionID); err != nil {
		logging.S.Warnw("reaper: failed to soft-delete files", "session_id", sessionID, "error", err)
		summary.Errors = append(summary.Errors, err.Error())
	} else {
		summary.DeletedFiles += fileCount
	}

	if err := r.meta.SoftDeleteSession(ctx, sessionID); err != nil {
		logging.S.Warnw("reaper: failed to soft-delete session", "session_id", sessionID, "error", err)
		summary.Errors = append(summary.Errors, err.Error())
	}
}

func (r *Reaper) emit(summary Summary) {
	logging.S.Infow("reaper sweep complete",
		"expired", summary.Expired,
		"abandoned", summary.Abandoned,
		"deleted_files", summary.DeletedFiles,
		"deleted_blobs", summary.DeletedBlobs,
		"error_count", len(summary.Errors),
	)
}
