package ingest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/posaudio/upsell-pipeline/internal/store"
)

// HashToken returns the hex SHA-256 digest of a device secret. Only this
// digest is ever stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// bearerToken extracts the token from an Authorization: Bearer header.
// A missing header, wrong scheme, or empty token yields a specific detail
// message for the 401 body.
func bearerToken(r *http.Request) (string, string) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", "Missing Authorization header"
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", "Invalid authorization scheme"
	}
	if token == "" {
		return "", "Empty token"
	}
	return token, ""
}

// authenticateDevice resolves the request's bearer token to an enabled
// device and bumps its last_seen_at. On failure it writes the 401 itself
// and returns nil.
func (s *Server) authenticateDevice(w http.ResponseWriter, r *http.Request) *store.Device {
	token, detail := bearerToken(r)
	if detail != "" {
		s.metrics.RecordUploadReject(r.Context(), "auth")
		unauthorized(w, detail)
		return nil
	}

	dev, err := s.db.GetDeviceByTokenHash(r.Context(), HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		s.log.Warn("device auth failed", "token_prefix", token[:min(8, len(token))])
		s.metrics.RecordUploadReject(r.Context(), "auth")
		unauthorized(w, "Invalid or disabled device token")
		return nil
	}
	if err != nil {
		s.log.Error("device lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return nil
	}

	if err := s.db.TouchDeviceLastSeen(r.Context(), dev.DeviceID); err != nil {
		// Uploads still succeed when the last-seen bump fails.
		s.log.Warn("last_seen update failed", "device_id", dev.DeviceID, "error", err)
	}
	return dev
}

// requireToken compares the request's bearer token against expected in
// constant time, writing the 401 on mismatch. An empty expected token means
// the endpoint is not configured and nothing can authenticate.
func (s *Server) requireToken(w http.ResponseWriter, r *http.Request, expected, mismatchDetail string) bool {
	if expected == "" {
		unauthorized(w, "Endpoint not configured")
		return false
	}
	token, detail := bearerToken(r)
	if detail != "" {
		unauthorized(w, detail)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		unauthorized(w, mismatchDetail)
		return false
	}
	return true
}
