package chest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/maneesh/chestbox/internal/logging"
	"github.com/maneesh/chestbox/internal/storage"
)

// DownloadedFile is the response to (h) downloadFile: a streaming body plus
// the headers the HTTP layer needs to serve it.
type DownloadedFile struct {
	Body               io.ReadCloser
	MimeType           string
	FileSize           int64
	ContentDisposition string
}

// DownloadFile validates that chestToken binds to fileID's session, then
// streams the blob (§4.5.h). The caller must close Body.
func (e *Engine) DownloadFile(ctx context.Context, fileID, chestToken string) (*DownloadedFile, error) {
	claims, err := e.tok.VerifyChest(chestToken)
	if err != nil {
		return nil, mapTokenErr(err)
	}

	file, err := e.meta.GetFileInSession(ctx, fileID, claims.SessionID)
	if err != nil {
		return nil, internal("failed to load file", err)
	}
	if file == nil {
		return nil, notFound("file not found")
	}

	key := storage.Key(claims.SessionID, file.ID)
	body, err := e.blobs.Get(ctx, key)
	if err != nil {
		return nil, internal("failed to fetch blob", err)
	}

	logging.S.Infow("file downloaded", "session_id", claims.SessionID, "file_id", file.ID)
	return &DownloadedFile{
		Body:               body,
		MimeType:           file.MimeType,
		FileSize:           file.FileSize,
		ContentDisposition: contentDisposition(file.OriginalFilename),
	}, nil
}

// contentDisposition builds an attachment header carrying both a sanitized
// ASCII fallback name and an RFC 5987/6266 filename* for clients that support
// it, so filenames with non-ASCII or quote characters round-trip safely
// (§9 open question).
func contentDisposition(filename string) string {
	fallback := sanitizeASCII(filename)
	encoded := url.PathEscape(filename)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, fallback, encoded)
}

func sanitizeASCII(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('_')
		case r < 0x20 || r > 0x7e:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return "download"
	}
	return s
}
