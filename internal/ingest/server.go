// Package ingest implements the ingest API: the upload endpoint POS
// recorders push audio chunks to, the internal file endpoint the ASR worker
// fetches them from, device administration, and health.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posaudio/upsell-pipeline/internal/blob"
	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
)

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Store is the subset of the database layer the API uses. Declared here so
// handler tests can substitute an in-memory fake.
type Store interface {
	GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*store.Device, error)
	TouchDeviceLastSeen(ctx context.Context, deviceID uuid.UUID) error
	CreateDevice(ctx context.Context, d *store.Device) (*store.Device, error)
	ListDevices(ctx context.Context) ([]store.Device, error)
	SetDeviceEnabled(ctx context.Context, deviceID uuid.UUID, enabled bool) (*store.Device, error)
	InsertChunk(ctx context.Context, c *store.Chunk) error
	GetChunk(ctx context.Context, chunkID uuid.UUID) (*store.Chunk, error)
	Ping(ctx context.Context) error
}

// Server is the ingest API.
type Server struct {
	cfg     config.Ingest
	db      Store
	blobs   *blob.Storage
	metrics *observe.Metrics
	log     *slog.Logger
}

// New assembles a Server from its dependencies.
func New(cfg config.Ingest, db Store, blobs *blob.Storage, metrics *observe.Metrics, log *slog.Logger) *Server {
	return &Server{cfg: cfg, db: db, blobs: blobs, metrics: metrics, log: log}
}

// Handler returns the full route table wrapped in the request-metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chunks", s.handleUploadChunk)
	mux.HandleFunc("GET /api/v1/internal/chunks/{chunkID}/file", s.handleChunkFile)
	mux.HandleFunc("POST /api/v1/admin/devices", s.handleCreateDevice)
	mux.HandleFunc("GET /api/v1/admin/devices", s.handleListDevices)
	mux.HandleFunc("PATCH /api/v1/admin/devices/{deviceID}", s.handleUpdateDevice)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("ingest API listening", "addr", s.cfg.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// errorBody is the JSON error response shape.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encoding error"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// unauthorized writes a 401 with the Bearer challenge header.
func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, detail)
}
