package chest

import (
	"context"
	"time"

	"github.com/maneesh/chestbox/internal/ids"
	"github.com/maneesh/chestbox/internal/logging"
)

// RetrievedFile is one file entry in a (g) retrieveByCode response.
type RetrievedFile struct {
	FileID           string
	OriginalFilename string
	MimeType         string
	FileSize         int64
	IsText           bool
	FileExtension    string
}

// Retrieved is the response to (g) retrieveByCode.
type Retrieved struct {
	SessionID  string
	Files      []RetrievedFile
	ChestToken string
	ExpiryDate *time.Time
}

// RetrieveByCode looks up the sealed, non-expired session bound to code and
// mints a chest token scoped to its download lifetime (§4.5.g).
func (e *Engine) RetrieveByCode(ctx context.Context, code string) (*Retrieved, error) {
	if !ids.ValidRetrievalCode(code) {
		return nil, badRequest("invalid retrieval code")
	}

	sess, err := e.meta.GetSealedByCode(ctx, code, time.Now())
	if err != nil {
		return nil, internal("failed to look up retrieval code", err)
	}
	if sess == nil {
		return nil, notFound("retrieval code not found or expired")
	}

	files, err := e.meta.ListSessionFiles(ctx, sess.ID)
	if err != nil {
		return nil, internal("failed to load session files", err)
	}

	chestToken, err := e.tok.MintChest(sess.ID, sess.ExpiresAt)
	if err != nil {
		return nil, internal("failed to mint chest token", err)
	}

	out := make([]RetrievedFile, len(files))
	for i, f := range files {
		out[i] = RetrievedFile{
			FileID:           f.ID,
			OriginalFilename: f.OriginalFilename,
			MimeType:         f.MimeType,
			FileSize:         f.FileSize,
			IsText:           f.IsText,
			FileExtension:    f.FileExtension,
		}
	}

	logging.S.Infow("chest retrieved", "session_id", sess.ID, "file_count", len(out))
	return &Retrieved{
		SessionID:  sess.ID,
		Files:      out,
		ChestToken: chestToken,
		ExpiryDate: sess.ExpiresAt,
	}, nil
}
