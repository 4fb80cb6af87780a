package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/apperr"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/download"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/export"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
)

const maxRequestBody = 64 << 10

// Server wires HTTP handlers for the export API.
type Server struct {
	exports  *export.Coordinator
	gateway  *download.Gateway
	progress http.Handler
	log      *slog.Logger
}

// New constructs the API server. progress may be nil when no websocket hub runs.
func New(exports *export.Coordinator, gateway *download.Gateway, progress http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		exports:  exports,
		gateway:  gateway,
		progress: progress,
		log:      logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/exports", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/progress", s.handleProgress)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	r.HandleFunc("/download", s.handleDownload)
	r.HandleFunc("/download/", s.handleDownload)
	r.HandleFunc("/download/{file}", s.handleDownload)

	if s.progress != nil {
		r.Get("/ws", s.progress.ServeHTTP)
	}
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.fail(w, r, apperr.InvalidRequest("request body too large or unreadable").Wrap(err))
		return
	}
	req, err := export.DecodeRequest(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	res, err := s.exports.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusAccepted
	if res.Status == models.StatusCompleted {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.exports.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	ev, err := s.exports.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.exports.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.gateway.Handle(w, r, chi.URLParam(r, "file"))
}

// fail writes the public form of err and logs the internal cause of server errors.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if e.Status >= http.StatusInternalServerError {
		attrs := []any{
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("code", e.Code),
			slog.String("error", err.Error()),
		}
		if e.ExportID != "" {
			attrs = append(attrs, slog.String("export_id", e.ExportID))
		}
		s.log.Error("api.request.failed", attrs...)
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		e = apperr.InvalidRequest("request body too large")
	}
	apperr.Write(w, e)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
