package ingest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/posaudio/upsell-pipeline/internal/blob"
	"github.com/posaudio/upsell-pipeline/internal/store"
)

// minTokenLen is the shortest device secret accepted at registration.
const minTokenLen = 16

// chunkUploadResponse is the body returned for a stored chunk.
type chunkUploadResponse struct {
	Status     string    `json:"status"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	StoredPath string    `json:"stored_path"`
	Queued     bool      `json:"queued"`
}

// handleUploadChunk accepts a multipart chunk upload from an authenticated
// device. The claimed identity fields must match the device registration;
// the blob is written atomically before the QUEUED row is inserted, and the
// blob is removed again if the insert fails so no orphan files accumulate.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	dev := s.authenticateDevice(w, r)
	if dev == nil {
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxUploadSizeBytes + 64<<10); err != nil {
		s.reject(w, r, http.StatusUnprocessableEntity, "Malformed multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	deviceID, err1 := uuid.Parse(r.FormValue("device_id"))
	pointID, err2 := uuid.Parse(r.FormValue("point_id"))
	registerID, err3 := uuid.Parse(r.FormValue("register_id"))
	if err1 != nil || err2 != nil || err3 != nil {
		s.reject(w, r, http.StatusUnprocessableEntity, "Invalid identity fields")
		return
	}
	startTS, err1 := parseTS(r.FormValue("start_ts"))
	endTS, err2 := parseTS(r.FormValue("end_ts"))
	if err1 != nil || err2 != nil {
		s.reject(w, r, http.StatusUnprocessableEntity, "Invalid timestamps")
		return
	}
	codec := r.FormValue("codec")
	sampleRate := formInt(r, "sample_rate")
	channels := formInt(r, "channels")
	if codec == "" || sampleRate <= 0 || channels <= 0 {
		s.reject(w, r, http.StatusUnprocessableEntity, "Invalid codec or audio parameters")
		return
	}

	if deviceID != dev.DeviceID {
		s.log.Warn("upload device mismatch",
			"claimed_device_id", deviceID, "auth_device_id", dev.DeviceID)
		s.reject(w, r, http.StatusUnprocessableEntity,
			"device_id does not match authenticated device")
		return
	}
	if pointID != dev.PointID || registerID != dev.RegisterID {
		s.log.Warn("upload identity mismatch",
			"device_id", dev.DeviceID, "claimed_point_id", pointID,
			"claimed_register_id", registerID)
		s.reject(w, r, http.StatusUnprocessableEntity,
			"point_id or register_id does not match device registration")
		return
	}
	if !endTS.After(startTS) {
		s.reject(w, r, http.StatusUnprocessableEntity, "end_ts must be after start_ts")
		return
	}

	file, _, err := r.FormFile("chunk_file")
	if err != nil {
		s.reject(w, r, http.StatusUnprocessableEntity, "chunk_file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSizeBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read upload")
		return
	}
	if int64(len(content)) > s.cfg.MaxUploadSizeBytes {
		s.metrics.RecordUploadReject(ctx, "too_large")
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File exceeds maximum size of %d bytes", s.cfg.MaxUploadSizeBytes))
		return
	}
	if len(content) == 0 {
		s.reject(w, r, http.StatusUnprocessableEntity, "Empty file")
		return
	}

	chunkID := uuid.New()
	relPath := blob.ChunkPath(pointID, registerID, startTS, chunkID)

	size, err := s.blobs.Save(relPath, content)
	if err != nil {
		s.log.Error("chunk save failed", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save chunk")
		return
	}

	chunk := &store.Chunk{
		ChunkID:       chunkID,
		DeviceID:      deviceID,
		PointID:       pointID,
		RegisterID:    registerID,
		StartTS:       startTS,
		EndTS:         endTS,
		DurationSec:   int(endTS.Sub(startTS).Seconds()),
		Codec:         codec,
		SampleRate:    sampleRate,
		Channels:      channels,
		FilePath:      relPath,
		FileSizeBytes: size,
		Status:        store.ChunkQueued,
	}
	if err := s.db.InsertChunk(ctx, chunk); err != nil {
		// The blob must not outlive a failed row insert.
		if _, derr := s.blobs.Delete(relPath); derr != nil {
			s.log.Error("orphan blob cleanup failed", "path", relPath, "error", derr)
		}
		s.log.Error("chunk insert failed", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save chunk")
		return
	}

	s.metrics.RecordChunkAccepted(ctx, size)
	s.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())
	s.log.Info("chunk uploaded",
		"chunk_id", chunkID,
		"device_id", deviceID,
		"duration_sec", chunk.DurationSec,
		"file_size", size,
	)
	writeJSON(w, http.StatusOK, chunkUploadResponse{
		Status:     "ok",
		ChunkID:    chunkID,
		StoredPath: relPath,
		Queued:     true,
	})
}

// reject writes a 4xx validation response and counts it.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, detail string) {
	s.metrics.RecordUploadReject(r.Context(), "validation")
	writeError(w, status, detail)
}

// handleChunkFile streams a stored chunk blob to an internal service.
func (s *Server) handleChunkFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r, s.cfg.InternalToken, "Invalid internal token") {
		return
	}

	chunkID, err := uuid.Parse(r.PathValue("chunkID"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid chunk_id")
		return
	}

	chunk, err := s.db.GetChunk(r.Context(), chunkID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Chunk not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	f, err := s.blobs.Open(chunk.FilePath)
	if err != nil {
		s.log.Error("chunk blob missing", "chunk_id", chunkID, "path", chunk.FilePath)
		writeError(w, http.StatusNotFound, "Chunk file not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/ogg")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.log.Warn("chunk download aborted", "chunk_id", chunkID, "error", err)
	}
}

// deviceResponse is the device shape returned by the admin endpoints.
type deviceResponse struct {
	DeviceID   uuid.UUID  `json:"device_id"`
	PointID    uuid.UUID  `json:"point_id"`
	RegisterID uuid.UUID  `json:"register_id"`
	IsEnabled  bool       `json:"is_enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}

func toDeviceResponse(d *store.Device) deviceResponse {
	return deviceResponse{
		DeviceID:   d.DeviceID,
		PointID:    d.PointID,
		RegisterID: d.RegisterID,
		IsEnabled:  d.IsEnabled,
		CreatedAt:  d.CreatedAt,
		LastSeenAt: d.LastSeenAt,
	}
}

// deviceCreateRequest registers a new device. Only the SHA-256 of the
// secret is stored.
type deviceCreateRequest struct {
	DeviceID   uuid.UUID `json:"device_id"`
	PointID    uuid.UUID `json:"point_id"`
	RegisterID uuid.UUID `json:"register_id"`
	TokenPlain string    `json:"token_plain"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r, s.cfg.AdminToken, "Invalid admin token") {
		return
	}

	var req deviceCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if req.DeviceID == uuid.Nil || req.PointID == uuid.Nil || req.RegisterID == uuid.Nil {
		writeError(w, http.StatusUnprocessableEntity, "device_id, point_id and register_id are required")
		return
	}
	if len(req.TokenPlain) < minTokenLen {
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("token_plain must be at least %d characters", minTokenLen))
		return
	}

	dev, err := s.db.CreateDevice(r.Context(), &store.Device{
		DeviceID:   req.DeviceID,
		PointID:    req.PointID,
		RegisterID: req.RegisterID,
		TokenHash:  HashToken(req.TokenPlain),
		IsEnabled:  true,
	})
	if errors.Is(err, store.ErrDeviceExists) {
		writeError(w, http.StatusConflict, "Device already exists")
		return
	}
	if err != nil {
		s.log.Error("device create failed", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	s.log.Info("device created", "device_id", dev.DeviceID, "point_id", dev.PointID)
	writeJSON(w, http.StatusCreated, toDeviceResponse(dev))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r, s.cfg.AdminToken, "Invalid admin token") {
		return
	}

	devices, err := s.db.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	out := make([]deviceResponse, len(devices))
	for i := range devices {
		out[i] = toDeviceResponse(&devices[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// deviceUpdateRequest toggles a device.
type deviceUpdateRequest struct {
	IsEnabled *bool `json:"is_enabled"`
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r, s.cfg.AdminToken, "Invalid admin token") {
		return
	}

	deviceID, err := uuid.Parse(r.PathValue("deviceID"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid device_id")
		return
	}
	var req deviceUpdateRequest
	if err := decodeJSON(r, &req); err != nil || req.IsEnabled == nil {
		writeError(w, http.StatusUnprocessableEntity, "is_enabled is required")
		return
	}

	dev, err := s.db.SetDeviceEnabled(r.Context(), deviceID, *req.IsEnabled)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	s.log.Info("device updated", "device_id", dev.DeviceID, "is_enabled", dev.IsEnabled)
	writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}

// healthResponse reports dependency status. The endpoint itself always
// answers 200; "degraded" signals a failing dependency.
type healthResponse struct {
	Status          string    `json:"status"`
	DB              bool      `json:"db"`
	StorageWritable bool      `json:"storage_writable"`
	Time            time.Time `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db.Ping(r.Context()) == nil
	storageOK := s.blobs.CheckWritable()

	status := "ok"
	if !dbOK || !storageOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          status,
		DB:              dbOK,
		StorageWritable: storageOK,
		Time:            time.Now().UTC(),
	})
}
