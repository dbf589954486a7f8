// Package storage implements the two external-collaborator gateways the
// lifecycle engine depends on: a typed metadata store (C3, this file) and an
// opaque blob store (C4, blob.go), plus a cache-aside layer in front of the
// metadata reads the hot paths need (cache.go).
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/chestbox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chestbox-storage")

// ErrCodeCollision is returned by MarkSealed when the candidate retrieval
// code collides with another non-deleted session's code (unique index
// violation); sealChest retries with a fresh code (§4.1, §9).
var ErrCodeCollision = errors.New("storage: retrieval code collision")

// mysqlDuplicateEntry is MySQL/TiDB error 1062 (ER_DUP_ENTRY).
const mysqlDuplicateEntry = 1062

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

// MetadataStore wraps the sessions/files tables with tracing, matching the
// teacher's per-call span + wrapped-error convention.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore opens and pings the metadata store.
func NewMetadataStore(dsn string) (*MetadataStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &MetadataStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (m *MetadataStore) Close() error {
	return m.db.Close()
}

// InsertSession creates a new Open session row (§4.5.a).
func (m *MetadataStore) InsertSession(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "metadata.insert_session",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	now := time.Now()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO sessions (id, upload_complete, created_at, updated_at, is_deleted)
		 VALUES (?, false, ?, ?, false)`,
		id, now, now)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetOpenSession fetches a non-deleted, non-sealed session by id.
func (m *MetadataStore) GetOpenSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, span := tracer.Start(ctx, "metadata.get_open_session",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	row := m.db.QueryRowContext(ctx,
		`SELECT id, retrieval_code, upload_complete, expires_at, created_at, updated_at
		 FROM sessions WHERE id = ? AND is_deleted = false AND upload_complete = false`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return s, nil
}

// GetSealedByCode fetches a sealed, non-expired, non-deleted session by its
// retrieval code. The NULL-safe expiry filter admits permanent sessions.
func (m *MetadataStore) GetSealedByCode(ctx context.Context, code string, now time.Time) (*models.Session, error) {
	ctx, span := tracer.Start(ctx, "metadata.get_sealed_by_code",
		trace.WithAttributes(attribute.String("retrieval_code", code)))
	defer span.End()

	row := m.db.QueryRowContext(ctx,
		`SELECT id, retrieval_code, upload_complete, expires_at, created_at, updated_at
		 FROM sessions
		 WHERE retrieval_code = ? AND is_deleted = false AND upload_complete = true
		   AND (expires_at IS NULL OR expires_at > ?)`, code, now)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query session by code: %w", err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return s, nil
}

// MarkSealed conditionally transitions a session to Sealed (§4.3). The
// returned bool reports whether exactly one row was updated; false means the
// session was already sealed, deleted, or never existed.
func (m *MetadataStore) MarkSealed(ctx context.Context, id, retrievalCode string, expiresAt *time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "metadata.mark_sealed",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	res, err := m.db.ExecContext(ctx,
		`UPDATE sessions SET retrieval_code = ?, upload_complete = true, expires_at = ?, updated_at = ?
		 WHERE id = ? AND upload_complete = false AND is_deleted = false`,
		retrievalCode, expiresAt, time.Now(), id)
	if err != nil {
		span.RecordError(err)
		if isDuplicateKeyErr(err) {
			return false, ErrCodeCollision
		}
		return false, fmt.Errorf("failed to seal session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	span.SetAttributes(attribute.Int64("rows_affected", n))
	return n == 1, nil
}

// InsertFiles batch-inserts file rows for the small-file upload path
// (§4.5.b) and the chunked-complete path (§4.5.e, single-element batch).
func (m *MetadataStore) InsertFiles(ctx context.Context, files []*models.File) error {
	ctx, span := tracer.Start(ctx, "metadata.insert_files",
		trace.WithAttributes(attribute.Int("count", len(files))))
	defer span.End()

	if len(files) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO files (id, session_id, original_filename, mime_type, file_size, file_extension, is_text, created_at, updated_at, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, false)`)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.SessionID, f.OriginalFilename, f.MimeType,
			f.FileSize, f.FileExtension, f.IsText, now, now); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert file %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit file insert: %w", err)
	}
	return nil
}

// ListSessionFiles returns a session's non-deleted files ordered by
// createdAt ascending.
func (m *MetadataStore) ListSessionFiles(ctx context.Context, sessionID string) ([]*models.File, error) {
	ctx, span := tracer.Start(ctx, "metadata.list_session_files",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, session_id, original_filename, mime_type, file_size, file_extension, is_text, created_at, updated_at
		 FROM files WHERE session_id = ? AND is_deleted = false ORDER BY created_at ASC`, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		f := &models.File{SessionID: sessionID}
		if err := rows.Scan(&f.ID, &f.SessionID, &f.OriginalFilename, &f.MimeType,
			&f.FileSize, &f.FileExtension, &f.IsText, &f.CreatedAt, &f.UpdatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(files)))
	return files, nil
}

// CountSessionFiles returns the number of non-deleted files belonging to a
// session, used by the reaper to count the files a sweep soft-deletes.
func (m *MetadataStore) CountSessionFiles(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "metadata.count_session_files",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE session_id = ? AND is_deleted = false`, sessionID).Scan(&n)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return n, nil
}

// FileIDsForSession returns the set of non-deleted file IDs for a session,
// so the seal path can validate every client-supplied fileId actually
// belongs to this session, not merely that the count matches.
func (m *MetadataStore) FileIDsForSession(ctx context.Context, sessionID string) (map[string]bool, error) {
	ctx, span := tracer.Start(ctx, "metadata.file_ids_for_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id FROM files WHERE session_id = ? AND is_deleted = false`, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list file ids: %w", err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// GetFileInSession fetches a non-deleted file by (fileID, sessionID), used
// by the download path (§4.5.h). It does not itself filter on the session's
// expiry: the chest token's exp is set to the session's expiresAt, so an
// expired session's token already fails verification before this runs.
func (m *MetadataStore) GetFileInSession(ctx context.Context, fileID, sessionID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "metadata.get_file_in_session",
		trace.WithAttributes(attribute.String("file_id", fileID), attribute.String("session_id", sessionID)))
	defer span.End()

	row := m.db.QueryRowContext(ctx,
		`SELECT id, session_id, original_filename, mime_type, file_size, file_extension, is_text, created_at, updated_at
		 FROM files WHERE id = ? AND session_id = ? AND is_deleted = false`, fileID, sessionID)

	f := &models.File{}
	err := row.Scan(&f.ID, &f.SessionID, &f.OriginalFilename, &f.MimeType,
		&f.FileSize, &f.FileExtension, &f.IsText, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}
	return f, nil
}

// SoftDeleteSession tombstones a session row (§4.6).
func (m *MetadataStore) SoftDeleteSession(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "metadata.soft_delete_session",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	_, err := m.db.ExecContext(ctx,
		`UPDATE sessions SET is_deleted = true, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to soft delete session: %w", err)
	}
	return nil
}

// SoftDeleteFiles tombstones every file row belonging to a session (§4.6,
// invariant 1: soft-deleting a session cascades to its files).
func (m *MetadataStore) SoftDeleteFiles(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "metadata.soft_delete_files",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	_, err := m.db.ExecContext(ctx,
		`UPDATE files SET is_deleted = true, updated_at = ? WHERE session_id = ?`, time.Now(), sessionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to soft delete files: %w", err)
	}
	return nil
}

// SelectExpiredSessions returns sealed, non-permanent sessions whose
// expiresAt has passed (§4.6 step 1).
func (m *MetadataStore) SelectExpiredSessions(ctx context.Context, now time.Time) ([]*models.Session, error) {
	ctx, span := tracer.Start(ctx, "metadata.select_expired_sessions")
	defer span.End()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, retrieval_code, upload_complete, expires_at, created_at, updated_at
		 FROM sessions
		 WHERE is_deleted = false AND upload_complete = true
		   AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to select expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows, span)
}

// SelectAbandonedSessions returns Open sessions older than cutoff (§4.6 step
// 2; callers pass now - 48h).
func (m *MetadataStore) SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	ctx, span := tracer.Start(ctx, "metadata.select_abandoned_sessions")
	defer span.End()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, retrieval_code, upload_complete, expires_at, created_at, updated_at
		 FROM sessions
		 WHERE is_deleted = false AND upload_complete = false AND created_at <= ?`, cutoff)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to select abandoned sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows, span)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	s := &models.Session{}
	var code sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&s.ID, &code, &s.UploadComplete, &expiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if code.Valid {
		s.RetrievalCode = &code.String
	}
	if expiresAt.Valid {
		s.ExpiresAt = &expiresAt.Time
	}
	return s, nil
}

func scanSessions(rows *sql.Rows, span trace.Span) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}
