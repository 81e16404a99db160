package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

const maxBodyBytes = 8 << 20

type pushRequest struct {
	Records []syncer.Record `json:"records"`
}

type pushResponse struct {
	Results []syncer.PushResult `json:"results"`
}

type pullResponse struct {
	Records []syncer.Record `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes a MemoryHub over HTTP.
type Server struct {
	hub *MemoryHub
	log zerolog.Logger
}

// NewServer creates a server for hub.
func NewServer(hub *MemoryHub, log zerolog.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/records", s.push)
		r.Get("/records", s.pull)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"records": s.hub.Len()})
	})
	return r
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}

	results, err := s.hub.Push(r.Context(), req.Records)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{Results: results})
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "device is required"})
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be RFC3339: " + err.Error()})
			return
		}
		since = t
	}

	records, err := s.hub.Pull(r.Context(), device, since)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if records == nil {
		records = []syncer.Record{}
	}
	writeJSON(w, http.StatusOK, pullResponse{Records: records})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
