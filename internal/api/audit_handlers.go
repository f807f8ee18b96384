package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/complianced/internal/archive"
	"github.com/onnwee/complianced/internal/audit"
	"github.com/onnwee/complianced/internal/middleware"
)

// maxEventBodyBytes caps the size of a submitted audit event.
const maxEventBodyBytes = 1 << 20

// Archiver uploads an export to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, src archive.Exporter, opts audit.ExportOptions) (*archive.Object, error)
}

// AuditHandlers holds dependencies for audit trail HTTP handlers.
type AuditHandlers struct {
	chain    *audit.Chain
	archiver Archiver // nil when archiving is disabled
	now      func() time.Time
}

// NewAuditHandlers creates a new AuditHandlers instance. archiver may be nil.
func NewAuditHandlers(chain *audit.Chain, archiver Archiver) *AuditHandlers {
	return &AuditHandlers{chain: chain, archiver: archiver, now: time.Now}
}

// VerifyResponse is the body of GET /v1/audit/verify.
type VerifyResponse struct {
	Valid    bool     `json:"valid"`
	Entries  int      `json:"entries"`
	LastHash string   `json:"last_hash,omitempty"`
	Errors   []string `json:"errors"`
}

// ArchiveRequest is the optional body of POST /v1/audit/archive.
type ArchiveRequest struct {
	Format string `json:"format,omitempty"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// CreateEvent handles POST /v1/audit/events - records an audit entry.
// Client IP, user agent, request ID and the caller identity are filled from
// the request when the body leaves them empty.
func (h *AuditHandlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req audit.LogEntry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes)).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	entry, err := h.chain.LogRequest(r, req)
	if err != nil {
		if errors.Is(err, audit.ErrMissingAction) || errors.Is(err, audit.ErrMissingResourceType) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to record audit event")
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// GetEvent handles GET /v1/audit/events/{id}.
func (h *AuditHandlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/audit/events/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Event ID is required")
		return
	}

	entry, ok := h.chain.Get(pathParts[0])
	if !ok {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Audit entry not found")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// Events routes /v1/audit/events and /v1/audit/events/{id}.
func (h *AuditHandlers) Events(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSuffix(r.URL.Path, "/") == "/v1/audit/events" {
		h.CreateEvent(w, r)
		return
	}
	h.GetEvent(w, r)
}

// Verify handles GET /v1/audit/verify - recomputes the whole chain.
// A broken chain is reported with 200 and valid=false: the check itself succeeded.
func (h *AuditHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	res := h.chain.Verify()
	if !res.Valid {
		slog.WarnContext(r.Context(), "audit chain verification failed", "problems", len(res.Problems))
	}
	problems := res.Problems
	if problems == nil {
		problems = []string{}
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:    res.Valid,
		Entries:  res.Length,
		LastHash: res.LastHash,
		Errors:   problems,
	})
}

// Export handles GET /v1/audit/export?format=json|csv&start=&end=&user_id=&limit=.
// start and end are RFC 3339 timestamps and both bounds are inclusive.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	opts, code, msg := exportOptions(q.Get("format"), q.Get("start"), q.Get("end"), q.Get("user_id"), limit)
	if code != "" {
		ctx := middleware.SetErrorCode(r.Context(), code)
		WriteError(w, ctx, http.StatusBadRequest, code, msg)
		return
	}

	data, err := h.chain.Export(opts)
	if err != nil {
		code, status := exportErrorCode(err)
		ctx := middleware.SetErrorCode(r.Context(), code)
		WriteError(w, ctx, status, code, err.Error())
		return
	}

	h.recordExport(r, "download", opts)

	filename := fmt.Sprintf("audit-export-%s.%s", h.now().UTC().Format("20060102T150405Z"), opts.Format.Extension())
	w.Header().Set("Content-Type", opts.Format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to write export", "error", err)
	}
}

// Archive handles POST /v1/audit/archive - exports and uploads to object storage.
func (h *AuditHandlers) Archive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	if h.archiver == nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeArchiveDisabled)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeArchiveDisabled, "Archive storage is not configured")
		return
	}

	var req ArchiveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes)).Decode(&req); err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
			return
		}
	}
	if req.Limit < 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be a non-negative integer")
		return
	}

	opts, code, msg := exportOptions(req.Format, req.Start, req.End, req.UserID, req.Limit)
	if code != "" {
		ctx := middleware.SetErrorCode(r.Context(), code)
		WriteError(w, ctx, http.StatusBadRequest, code, msg)
		return
	}

	obj, err := h.archiver.Archive(r.Context(), h.chain, opts)
	if err != nil {
		code, status := exportErrorCode(err)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "audit archive failed", "error", err)
			ctx := middleware.SetErrorCode(r.Context(), code)
			WriteError(w, ctx, status, code, "Failed to archive audit export")
			return
		}
		ctx := middleware.SetErrorCode(r.Context(), code)
		WriteError(w, ctx, status, code, err.Error())
		return
	}

	h.recordExport(r, obj.Key, opts)
	writeJSON(w, http.StatusCreated, obj)
}

// recordExport appends an export entry to the chain it was taken from.
func (h *AuditHandlers) recordExport(r *http.Request, destination string, opts audit.ExportOptions) {
	details := audit.Details{
		"format":      string(opts.Format),
		"destination": destination,
	}
	if opts.UserID != "" {
		details["subject_user_id"] = opts.UserID
	}
	_, err := h.chain.LogRequest(r, audit.LogEntry{
		Action:       audit.ActionExport,
		ResourceType: "audit_log",
		Details:      details,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to record export", "error", err)
	}
}

// exportOptions parses export parameters. A non-empty code reports a client error.
func exportOptions(format, start, end, userID string, limit int) (audit.ExportOptions, string, string) {
	opts := audit.ExportOptions{Format: audit.ExportFormatJSON, UserID: userID, Limit: limit}

	if format != "" {
		f, err := audit.ParseExportFormat(format)
		if err != nil {
			return opts, ErrCodeUnsupportedFormat, "format must be 'json' or 'csv'"
		}
		opts.Format = f
	}

	var err error
	if start != "" {
		if opts.From, err = time.Parse(time.RFC3339, start); err != nil {
			return opts, ErrCodeValidation, "start must be an RFC 3339 timestamp"
		}
	}
	if end != "" {
		if opts.To, err = time.Parse(time.RFC3339, end); err != nil {
			return opts, ErrCodeValidation, "end must be an RFC 3339 timestamp"
		}
	}
	return opts, "", ""
}

func exportErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, audit.ErrUnsupportedFormat):
		return ErrCodeUnsupportedFormat, http.StatusBadRequest
	case errors.Is(err, audit.ErrInvalidTimeRange):
		return ErrCodeInvalidTimeRange, http.StatusBadRequest
	default:
		return ErrCodeInternal, http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
