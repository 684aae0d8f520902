package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/dispatcher/status", h.DispatcherStatus)

	mux.HandleFunc("POST /v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/attempts", h.ListJobAttempts)

	mux.HandleFunc("POST /v1/recipients/validate", h.ValidateSource)

	mux.HandleFunc("GET /v1/messages", h.ListHistory)
	mux.HandleFunc("GET /v1/stats", h.Stats)

	mux.HandleFunc("POST /v1/webhooks/status", h.StatusWebhook)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("sms-dispatch"))
	})

	return mux
}
