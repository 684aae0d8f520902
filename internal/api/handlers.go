package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/vkaroly/sms-dispatch/internal/dispatch"
	"github.com/vkaroly/sms-dispatch/internal/recipient"
	"github.com/vkaroly/sms-dispatch/internal/repo"
)

const maxUploadBytes = 10 << 20

type Handler struct {
	dispatcher *dispatch.Dispatcher
	store      repo.JobStore
	log        *slog.Logger
}

func NewHandler(d *dispatch.Dispatcher, store repo.JobStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: d, store: store, log: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) DispatcherStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active_jobs": h.dispatcher.Active()})
}

// CreateJob accepts a multipart recipient source plus a message template and
// starts a bulk dispatch job. Input errors are reported synchronously; the
// job identifier comes back before any send happens.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	template, report, ok := h.parseSource(w, r, true)
	if !ok {
		return
	}

	if len(report.Valid) == 0 {
		writeError(w, http.StatusBadRequest, "no valid phone numbers found in recipient source")
		return
	}

	jobID, err := h.dispatcher.Dispatch(r.Context(), report.Valid, template)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":        jobID,
		"total_count":   len(report.Valid),
		"valid_count":   len(report.Valid),
		"invalid_count": len(report.Invalid),
		"invalid":       report.Invalid,
	})
}

// ValidateSource runs source validation without creating a job.
func (h *Handler) ValidateSource(w http.ResponseWriter, r *http.Request) {
	_, report, ok := h.parseSource(w, r, false)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_rows":    report.TotalRows,
		"columns":       report.Columns,
		"valid_count":   len(report.Valid),
		"invalid_count": len(report.Invalid),
		"invalid":       report.Invalid,
	})
}

func (h *Handler) parseSource(w http.ResponseWriter, r *http.Request, requireTemplate bool) (string, *recipient.SourceReport, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form upload")
		return "", nil, false
	}

	template := strings.TrimSpace(r.FormValue("message_template"))
	if requireTemplate && template == "" {
		writeError(w, http.StatusBadRequest, "message_template must not be empty")
		return "", nil, false
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file upload")
		return "", nil, false
	}
	defer file.Close()

	report, err := recipient.ParseCSV(file)
	if err != nil {
		var mce *recipient.MissingColumnError
		if errors.As(err, &mce) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":            mce.Error(),
				"required_columns": mce.Required,
				"found_columns":    mce.Found,
			})
			return "", nil, false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}

	return template, report, true
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, repo.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (h *Handler) ListJobAttempts(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	if _, err := h.store.GetJob(r.Context(), jobID); errors.Is(err, repo.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	attempts, err := h.store.ListAttempts(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": attempts})
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.store.ListHistory(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// StatusWebhook ingests provider delivery status callbacks. Confirmations
// arrive asynchronously and in no guaranteed order.
func (h *Handler) StatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	providerID := r.FormValue("MessageSid")
	status := r.FormValue("MessageStatus")
	if providerID == "" || status == "" {
		writeError(w, http.StatusBadRequest, "MessageSid and MessageStatus are required")
		return
	}

	var errCode, errMsg *string
	if v := r.FormValue("ErrorCode"); v != "" {
		errCode = &v
	}
	if v := r.FormValue("ErrorMessage"); v != "" {
		errMsg = &v
	}

	if err := h.store.UpdateAttemptStatus(r.Context(), providerID, status, errCode, errMsg); err != nil {
		h.log.Error("failed to process status webhook", "provider_id", providerID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
