package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/posaudio/upsell-pipeline/internal/blob"
	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/ingest"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
)

const (
	adminToken    = "test-admin-token"
	internalToken = "test-internal-token"
	deviceToken   = "device-secret-0123456789abcdef"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*store.Device
	chunks  map[uuid.UUID]*store.Chunk
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: make(map[uuid.UUID]*store.Device),
		chunks:  make(map[uuid.UUID]*store.Chunk),
	}
}

func (f *fakeStore) GetDeviceByTokenHash(_ context.Context, tokenHash string) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.TokenHash == tokenHash && d.IsEnabled {
			cp := *d
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) TouchDeviceLastSeen(_ context.Context, deviceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[deviceID]; ok {
		now := time.Now()
		d.LastSeenAt = &now
	}
	return nil
}

func (f *fakeStore) CreateDevice(_ context.Context, d *store.Device) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[d.DeviceID]; ok {
		return nil, store.ErrDeviceExists
	}
	cp := *d
	cp.CreatedAt = time.Now()
	f.devices[d.DeviceID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) ListDevices(_ context.Context) ([]store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) SetDeviceEnabled(_ context.Context, deviceID uuid.UUID, enabled bool) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	d.IsEnabled = enabled
	cp := *d
	return &cp, nil
}

func (f *fakeStore) InsertChunk(_ context.Context, c *store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.chunks[c.ChunkID] = &cp
	return nil
}

func (f *fakeStore) GetChunk(_ context.Context, chunkID uuid.UUID) (*store.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[chunkID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

type testEnv struct {
	db     *fakeStore
	blobs  *blob.Storage
	srv    *httptest.Server
	device *store.Device
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newFakeStore()
	blobs := blob.New(t.TempDir())
	cfg := config.Ingest{
		Common: config.Common{
			AudioStorageDir: "unused",
			LogLevel:        config.LogError,
		},
		ListenAddr:         ":0",
		AdminToken:         adminToken,
		InternalToken:      internalToken,
		MaxUploadSizeBytes: 1 << 20,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := ingest.New(cfg, db, blobs, observe.DefaultMetrics(), log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	dev := &store.Device{
		DeviceID:   uuid.New(),
		PointID:    uuid.New(),
		RegisterID: uuid.New(),
		TokenHash:  ingest.HashToken(deviceToken),
		IsEnabled:  true,
	}
	if _, err := db.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return &testEnv{db: db, blobs: blobs, srv: srv, device: dev}
}

// uploadRequest builds a multipart chunk upload for the test device.
func (e *testEnv) uploadRequest(t *testing.T, content []byte, override map[string]string) *http.Request {
	t.Helper()

	fields := map[string]string{
		"device_id":   e.device.DeviceID.String(),
		"point_id":    e.device.PointID.String(),
		"register_id": e.device.RegisterID.String(),
		"start_ts":    "2026-03-14T09:00:00Z",
		"end_ts":      "2026-03-14T09:01:00Z",
		"codec":       "ogg/opus",
		"sample_rate": "48000",
		"channels":    "1",
	}
	for k, v := range override {
		fields[k] = v
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("chunk_file", "chunk.ogg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/chunks", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+deviceToken)
	return req
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestUploadChunkOK(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	content := []byte("fake-ogg-bytes")
	resp := do(t, e.uploadRequest(t, content, nil))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	body := decodeBody[struct {
		Status     string    `json:"status"`
		ChunkID    uuid.UUID `json:"chunk_id"`
		StoredPath string    `json:"stored_path"`
		Queued     bool      `json:"queued"`
	}](t, resp)

	if body.Status != "ok" || !body.Queued {
		t.Errorf("body = %+v", body)
	}

	chunk, err := e.db.GetChunk(context.Background(), body.ChunkID)
	if err != nil {
		t.Fatalf("chunk row missing: %v", err)
	}
	if chunk.Status != store.ChunkQueued {
		t.Errorf("status = %q, want QUEUED", chunk.Status)
	}
	if chunk.DurationSec != 60 {
		t.Errorf("duration_sec = %d, want 60", chunk.DurationSec)
	}
	if chunk.FilePath != body.StoredPath {
		t.Errorf("file_path %q != stored_path %q", chunk.FilePath, body.StoredPath)
	}

	stored, err := os.ReadFile(e.blobs.Abs(body.StoredPath))
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Error("stored blob differs from upload")
	}
}

func TestUploadChunkAuthFailures(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	for name, header := range map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"unknown token":  "Bearer nope",
	} {
		req := e.uploadRequest(t, []byte("x"), nil)
		req.Header.Del("Authorization")
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp := do(t, req)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
			t.Errorf("%s: WWW-Authenticate = %q", name, got)
		}
	}
}

func TestUploadChunkValidation(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	cases := map[string]map[string]string{
		"device mismatch":   {"device_id": uuid.NewString()},
		"point mismatch":    {"point_id": uuid.NewString()},
		"register mismatch": {"register_id": uuid.NewString()},
		"end before start":  {"end_ts": "2026-03-14T08:59:00Z"},
		"end equals start":  {"end_ts": "2026-03-14T09:00:00Z"},
		"bad timestamp":     {"start_ts": "yesterday"},
	}
	for name, override := range cases {
		resp := do(t, e.uploadRequest(t, []byte("x"), override))
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("%s: status = %d, want 422", name, resp.StatusCode)
		}
	}

	// Empty file.
	resp := do(t, e.uploadRequest(t, nil, nil))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty file: status = %d, want 422", resp.StatusCode)
	}
}

func TestUploadChunkTooLarge(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	big := bytes.Repeat([]byte("a"), (1<<20)+1)
	resp := do(t, e.uploadRequest(t, big, nil))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestInternalChunkFile(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	// Seed a stored chunk directly.
	content := []byte("chunk-audio")
	chunkID := uuid.New()
	rel := blob.ChunkPath(e.device.PointID, e.device.RegisterID, time.Now(), chunkID)
	if _, err := e.blobs.Save(rel, content); err != nil {
		t.Fatalf("save blob: %v", err)
	}
	e.db.InsertChunk(context.Background(), &store.Chunk{ChunkID: chunkID, FilePath: rel})

	url := fmt.Sprintf("%s/api/v1/internal/chunks/%s/file", e.srv.URL, chunkID)

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	resp := do(t, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp = do(t, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+internalToken)
	resp = do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/ogg" {
		t.Errorf("content-type = %q", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, content) {
		t.Error("downloaded content differs")
	}

	req, _ = http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/api/v1/internal/chunks/%s/file", e.srv.URL, uuid.New()), nil)
	req.Header.Set("Authorization", "Bearer "+internalToken)
	resp = do(t, req)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown chunk: status = %d, want 404", resp.StatusCode)
	}
}

func adminReq(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return req
}

func TestAdminDevices(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	base := e.srv.URL + "/api/v1/admin/devices"

	create := map[string]string{
		"device_id":   uuid.NewString(),
		"point_id":    uuid.NewString(),
		"register_id": uuid.NewString(),
		"token_plain": "0123456789abcdefX",
	}

	// Wrong admin token.
	req := adminReq(t, http.MethodPost, base, create)
	req.Header.Set("Authorization", "Bearer nope")
	if resp := do(t, req); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	// Create.
	resp := do(t, adminReq(t, http.MethodPost, base, create))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[struct {
		DeviceID  uuid.UUID `json:"device_id"`
		IsEnabled bool      `json:"is_enabled"`
	}](t, resp)
	if !created.IsEnabled {
		t.Error("new device should be enabled")
	}

	// Duplicate.
	if resp := do(t, adminReq(t, http.MethodPost, base, create)); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", resp.StatusCode)
	}

	// Short secret.
	short := map[string]string{
		"device_id":   uuid.NewString(),
		"point_id":    uuid.NewString(),
		"register_id": uuid.NewString(),
		"token_plain": "short",
	}
	if resp := do(t, adminReq(t, http.MethodPost, base, short)); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("short secret: status = %d, want 422", resp.StatusCode)
	}

	// List includes the seeded device and the created one.
	resp = do(t, adminReq(t, http.MethodGet, base, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	devices := decodeBody[[]struct {
		DeviceID uuid.UUID `json:"device_id"`
	}](t, resp)
	if len(devices) != 2 {
		t.Errorf("list returned %d devices, want 2", len(devices))
	}

	// Disable.
	resp = do(t, adminReq(t, http.MethodPatch,
		fmt.Sprintf("%s/%s", base, created.DeviceID),
		map[string]bool{"is_enabled": false}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status = %d", resp.StatusCode)
	}
	patched := decodeBody[struct {
		IsEnabled bool `json:"is_enabled"`
	}](t, resp)
	if patched.IsEnabled {
		t.Error("device should be disabled")
	}

	// Unknown device.
	resp = do(t, adminReq(t, http.MethodPatch,
		fmt.Sprintf("%s/%s", base, uuid.New()),
		map[string]bool{"is_enabled": false}))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device: status = %d, want 404", resp.StatusCode)
	}
}

func TestDisabledDeviceCannotUpload(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	if _, err := e.db.SetDeviceEnabled(context.Background(), e.device.DeviceID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	resp := do(t, e.uploadRequest(t, []byte("x"), nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	resp := do(t, mustReq(t, http.MethodGet, e.srv.URL+"/health"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[struct {
		Status          string `json:"status"`
		DB              bool   `json:"db"`
		StorageWritable bool   `json:"storage_writable"`
	}](t, resp)
	if body.Status != "ok" || !body.DB || !body.StorageWritable {
		t.Errorf("body = %+v", body)
	}

	e.db.pingErr = errors.New("db down")
	resp = do(t, mustReq(t, http.MethodGet, e.srv.URL+"/health"))
	body = decodeBody[struct {
		Status          string `json:"status"`
		DB              bool   `json:"db"`
		StorageWritable bool   `json:"storage_writable"`
	}](t, resp)
	if body.Status != "degraded" || body.DB {
		t.Errorf("degraded body = %+v", body)
	}
}

func mustReq(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}
