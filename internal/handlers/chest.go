// Package handlers wires the chest lifecycle engine (C5) to an HTTP surface
// on gorilla/mux, following the teacher's per-handler-struct, per-request
// span convention (write.go/read.go) generalized to the full §6 endpoint
// table.
package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/chestbox/internal/chest"
)

var tracer = otel.Tracer("chestbox-handlers")

// ChestHandler serves the chest lifecycle endpoints (§6).
type ChestHandler struct {
	engine      *chest.Engine
	requireTOTP bool
}

// NewChestHandler builds the HTTP handler around a chest engine.
func NewChestHandler(engine *chest.Engine, requireTOTP bool) *ChestHandler {
	return &ChestHandler{engine: engine, requireTOTP: requireTOTP}
}

// Register mounts every §6 route on router.
func (h *ChestHandler) Register(router *mux.Router) {
	// OPTIONS is accepted on every route so preflight requests reach the CORS
	// middleware instead of mux's 405 handler.
	router.HandleFunc("/api/config", h.getConfig).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/chest", h.createChest).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/chest/{sid}/upload", h.uploadFiles).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/chest/{sid}/multipart/create", h.createMultipart).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/chest/{sid}/multipart/{fid}/part/{n}", h.uploadPart).Methods(http.MethodPut, http.MethodOptions)
	router.HandleFunc("/api/chest/{sid}/multipart/{fid}/complete", h.completeMultipart).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/chest/{sid}/complete", h.sealChest).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/retrieve/{code}", h.retrieveByCode).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/download/{fid}", h.downloadFile).Methods(http.MethodGet, http.MethodOptions)
}

// configResponse is the body of GET /api/config.
type configResponse struct {
	RequireTOTP bool `json:"requireTOTP"`
}

func (h *ChestHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{RequireTOTP: h.requireTOTP})
}

type createChestRequest struct {
	TOTPToken string `json:"totpToken"`
}

type createChestResponse struct {
	SessionID   string `json:"sessionId"`
	UploadToken string `json:"uploadToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (h *ChestHandler) createChest(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.create_chest", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var body createChestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			badRequestBody(w)
			return
		}
	}

	created, err := h.engine.CreateChest(ctx, body.TOTPToken)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	span.SetAttributes(attribute.String("session_id", created.SessionID))
	writeJSON(w, http.StatusOK, createChestResponse{
		SessionID:   created.SessionID,
		UploadToken: created.UploadToken,
		ExpiresIn:   created.ExpiresIn,
	})
}

type uploadedFileResponse struct {
	FileID   string `json:"fileId"`
	Filename string `json:"filename"`
	IsText   bool   `json:"isText"`
}

type uploadFilesResponse struct {
	UploadedFiles []uploadedFileResponse `json:"uploadedFiles"`
}

// textItem is the shape of one textItems[] form value (§6).
type textItem struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
}

const maxUploadMemory = 32 << 20 // 32MiB held in memory; larger parts spill to temp files per mime/multipart

func (h *ChestHandler) uploadFiles(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.upload_files", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	sessionID := mux.Vars(r)["sid"]
	token := bearerToken(r)

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		badRequestBody(w)
		return
	}

	var parts []chest.InputPart
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				writeError(w, err)
				return
			}
			defer f.Close()
			mimeType := fh.Header.Get("Content-Type")
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			parts = append(parts, chest.InputPart{
				Filename: fh.Filename,
				MimeType: mimeType,
				Body:     f,
				Size:     fh.Size,
			})
		}
		for _, raw := range r.MultipartForm.Value["textItems"] {
			var item textItem
			if err := json.Unmarshal([]byte(raw), &item); err != nil {
				badRequestBody(w)
				return
			}
			parts = append(parts, chest.InputPart{
				IsText:   true,
				Filename: item.Filename,
				Body:     strings.NewReader(item.Content),
				Size:     int64(len(item.Content)),
			})
		}
	}

	uploaded, err := h.engine.UploadFiles(ctx, sessionID, token, parts)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	resp := uploadFilesResponse{UploadedFiles: make([]uploadedFileResponse, len(uploaded))}
	for i, u := range uploaded {
		resp.UploadedFiles[i] = uploadedFileResponse{FileID: u.FileID, Filename: u.Filename, IsText: u.IsText}
	}
	writeJSON(w, http.StatusOK, resp)
}

type createMultipartRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	FileSize int64  `json:"fileSize"`
}

type createMultipartResponse struct {
	FileID   string `json:"fileId"`
	UploadID string `json:"uploadId"`
}

func (h *ChestHandler) createMultipart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.create_multipart", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	sessionID := mux.Vars(r)["sid"]
	token := bearerToken(r)

	var body createMultipartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequestBody(w)
		return
	}

	created, err := h.engine.CreateMultipartUpload(ctx, sessionID, token, body.Filename, body.MimeType, body.FileSize)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createMultipartResponse{FileID: created.FileID, UploadID: created.MultipartToken})
}

type uploadPartResponse struct {
	ETag       string `json:"etag"`
	PartNumber int    `json:"partNumber"`
}

func (h *ChestHandler) uploadPart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.upload_part", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	vars := mux.Vars(r)
	sessionID, fileID := vars["sid"], vars["fid"]
	partNumber, err := strconv.Atoi(vars["n"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "partNumber must be an integer"})
		return
	}
	token := bearerToken(r)

	uploaded, err := h.engine.UploadPart(ctx, sessionID, fileID, partNumber, token, r.Body, r.ContentLength)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadPartResponse{ETag: uploaded.ETag, PartNumber: uploaded.PartNumber})
}

type completeMultipartRequest struct {
	Parts []chest.PartInput `json:"parts"`
}

type completeMultipartResponse struct {
	FileID   string `json:"fileId"`
	Filename string `json:"filename"`
}

func (h *ChestHandler) completeMultipart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.complete_multipart", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	vars := mux.Vars(r)
	sessionID, fileID := vars["sid"], vars["fid"]
	token := bearerToken(r)

	var body completeMultipartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequestBody(w)
		return
	}

	completed, err := h.engine.CompleteMultipart(ctx, sessionID, fileID, token, body.Parts)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeMultipartResponse{FileID: completed.FileID, Filename: completed.Filename})
}

type sealChestRequest struct {
	FileIDs      []string `json:"fileIds"`
	ValidityDays int      `json:"validityDays"`
}

type sealChestResponse struct {
	RetrievalCode string  `json:"retrievalCode"`
	ExpiryDate    *string `json:"expiryDate"`
}

func (h *ChestHandler) sealChest(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.seal_chest", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	sessionID := mux.Vars(r)["sid"]
	token := bearerToken(r)

	var body sealChestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequestBody(w)
		return
	}

	sealed, err := h.engine.SealChest(ctx, sessionID, token, body.FileIDs, body.ValidityDays)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sealChestResponse{
		RetrievalCode: sealed.RetrievalCode,
		ExpiryDate:    formatExpiry(sealed.ExpiryDate),
	})
}

type retrievedFileResponse struct {
	FileID        string `json:"fileId"`
	Filename      string `json:"filename"`
	MimeType      string `json:"mimeType"`
	Size          int64  `json:"size"`
	IsText        bool   `json:"isText"`
	FileExtension string `json:"fileExtension"`
}

type retrieveResponse struct {
	Files      []retrievedFileResponse `json:"files"`
	ChestToken string                  `json:"chestToken"`
	ExpiryDate *string                 `json:"expiryDate"`
}

func (h *ChestHandler) retrieveByCode(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.retrieve_by_code", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	code := mux.Vars(r)["code"]
	retrieved, err := h.engine.RetrieveByCode(ctx, code)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	files := make([]retrievedFileResponse, len(retrieved.Files))
	for i, f := range retrieved.Files {
		files[i] = retrievedFileResponse{
			FileID:        f.FileID,
			Filename:      f.OriginalFilename,
			MimeType:      f.MimeType,
			Size:          f.FileSize,
			IsText:        f.IsText,
			FileExtension: f.FileExtension,
		}
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Files:      files,
		ChestToken: retrieved.ChestToken,
		ExpiryDate: formatExpiry(retrieved.ExpiryDate),
	})
}

func (h *ChestHandler) downloadFile(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlers.download_file", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	fileID := mux.Vars(r)["fid"]
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	downloaded, err := h.engine.DownloadFile(ctx, fileID, token)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	defer downloaded.Body.Close()

	disposition := downloaded.ContentDisposition
	if override := r.URL.Query().Get("filename"); override != "" {
		disposition = overrideDisposition(downloaded.ContentDisposition, override)
	}

	w.Header().Set("Content-Type", downloaded.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(downloaded.FileSize, 10))
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, downloaded.Body)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	}
	return ""
}

func formatExpiry(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func overrideDisposition(original, filename string) string {
	mediaType, params, err := mime.ParseMediaType(original)
	if err != nil {
		return original
	}
	params["filename"] = filename
	delete(params, "filename*")
	return mime.FormatMediaType(mediaType, params)
}
