// Package tokens mints and verifies the three bearer-credential flavors the
// chest lifecycle engine relies on: upload, chest, and multipart tokens. Each
// is HMAC-SHA-256 signed and carries a "type" discriminant the verifier
// checks before trusting any other claim.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminants.
const (
	TypeUpload    = "upload"
	TypeChest     = "chest"
	TypeMultipart = "multipart"
)

// Lifetimes per §3.
const (
	UploadTokenTTL    = 24 * time.Hour
	MultipartTokenTTL = 48 * time.Hour
	ChestTokenMaxTTL  = 365 * 24 * time.Hour
)

// Sentinel errors the handlers map to the §7 error taxonomy.
var (
	ErrInvalidToken   = errors.New("tokens: invalid token")
	ErrExpiredToken   = errors.New("tokens: expired token")
	ErrWrongTokenType = errors.New("tokens: wrong token type")
)

// UploadClaims are carried by an upload token (§3).
type UploadClaims struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// ChestClaims are carried by a chest (download) token (§3).
type ChestClaims struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// MultipartClaims are carried by a multipart token (§3). The server keeps no
// record of an in-flight chunked upload; the token is the only one.
type MultipartClaims struct {
	SessionID string `json:"sessionId"`
	FileID    string `json:"fileId"`
	UploadID  string `json:"uploadId"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	FileSize  int64  `json:"fileSize"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// Service mints and verifies tokens against a single process-wide signing
// key. The key is read-only after construction; key rotation means
// redeploying with a new key, same as any HMAC-signed bearer scheme.
type Service struct {
	secret []byte
}

// NewService builds a token service around the given signing key.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("tokens: unexpected signing method")
	}
	return s.secret, nil
}

// MintUpload issues a 24h upload token for sessionID.
func (s *Service) MintUpload(sessionID string) (string, error) {
	now := time.Now()
	return s.sign(UploadClaims{
		SessionID: sessionID,
		Type:      TypeUpload,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(UploadTokenTTL)),
		},
	})
}

// VerifyUpload parses and validates an upload token.
func (s *Service) VerifyUpload(tokenStr string) (*UploadClaims, error) {
	claims := &UploadClaims{}
	if err := s.parse(tokenStr, claims, TypeUpload); err != nil {
		return nil, err
	}
	return claims, nil
}

// MintChest issues a chest token whose exp equals expiresAt, or now+365d when
// expiresAt is nil (permanent chest).
func (s *Service) MintChest(sessionID string, expiresAt *time.Time) (string, error) {
	now := time.Now()
	exp := now.Add(ChestTokenMaxTTL)
	if expiresAt != nil {
		exp = *expiresAt
	}
	return s.sign(ChestClaims{
		SessionID: sessionID,
		Type:      TypeChest,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
}

// VerifyChest parses and validates a chest token.
func (s *Service) VerifyChest(tokenStr string) (*ChestClaims, error) {
	claims := &ChestClaims{}
	if err := s.parse(tokenStr, claims, TypeChest); err != nil {
		return nil, err
	}
	return claims, nil
}

// MultipartParams describes the in-flight chunked upload a multipart token
// binds to.
type MultipartParams struct {
	SessionID string
	FileID    string
	UploadID  string
	Filename  string
	MimeType  string
	FileSize  int64
}

// MintMultipart issues a 48h multipart token embedding the blob store's
// uploadId and the file metadata the client declared at create time.
func (s *Service) MintMultipart(p MultipartParams) (string, error) {
	now := time.Now()
	return s.sign(MultipartClaims{
		SessionID: p.SessionID,
		FileID:    p.FileID,
		UploadID:  p.UploadID,
		Filename:  p.Filename,
		MimeType:  p.MimeType,
		FileSize:  p.FileSize,
		Type:      TypeMultipart,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(MultipartTokenTTL)),
		},
	})
}

// VerifyMultipart parses and validates a multipart token.
func (s *Service) VerifyMultipart(tokenStr string) (*MultipartClaims, error) {
	claims := &MultipartClaims{}
	if err := s.parse(tokenStr, claims, TypeMultipart); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) parse(tokenStr string, claims jwt.Claims, wantType string) error {
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}

	var gotType string
	switch c := claims.(type) {
	case *UploadClaims:
		gotType = c.Type
	case *ChestClaims:
		gotType = c.Type
	case *MultipartClaims:
		gotType = c.Type
	default:
		return ErrInvalidToken
	}
	if gotType != wantType {
		return ErrWrongTokenType
	}
	return nil
}
