package models

import "time"

// Session represents a chest: an upload session that accumulates files and
// text items until it is sealed behind a retrieval code.
type Session struct {
	ID             string     `json:"id"`
	RetrievalCode  *string    `json:"retrievalCode,omitempty"`
	UploadComplete bool       `json:"uploadComplete"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	IsDeleted      bool       `json:"-"`
}

// Permanent reports whether the session, once sealed, never expires.
func (s *Session) Permanent() bool {
	return s.UploadComplete && s.ExpiresAt == nil
}

// Expired reports whether a sealed session's deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.UploadComplete && s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// File is durable evidence of a successfully stored blob.
type File struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	OriginalFilename string    `json:"originalFilename"`
	MimeType         string    `json:"mimeType"`
	FileSize         int64     `json:"fileSize"`
	FileExtension    string    `json:"fileExtension"`
	IsText           bool      `json:"isText"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	IsDeleted        bool      `json:"-"`
}
