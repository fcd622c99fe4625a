package asrproc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// prefetchConcurrency bounds parallel downloads from the ingest API.
const prefetchConcurrency = 4

// ChunkFetcher makes chunk blobs available as local files.
type ChunkFetcher interface {
	// Prefetch ensures every chunk is cached locally and returns the path
	// per chunk ID.
	Prefetch(ctx context.Context, chunkIDs []uuid.UUID) (map[uuid.UUID]string, error)

	// Cleanup removes the cached files for the given chunks.
	Cleanup(chunkIDs []uuid.UUID)
}

// HTTPFetcher downloads chunk blobs through the ingest API's internal
// endpoint and caches them under cacheDir/chunks/{chunk_id}.ogg.
type HTTPFetcher struct {
	baseURL    string
	token      string
	cacheDir   string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher against the ingest API at baseURL,
// authenticating with the internal bearer token.
func NewHTTPFetcher(baseURL, token, tmpDir string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:    baseURL,
		token:      token,
		cacheDir:   filepath.Join(tmpDir, "chunks"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ ChunkFetcher = (*HTTPFetcher)(nil)

// Prefetch downloads all chunks concurrently. Already-cached chunks are not
// re-fetched; a failed download aborts the whole batch.
func (f *HTTPFetcher) Prefetch(ctx context.Context, chunkIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	paths := make(map[uuid.UUID]string, len(chunkIDs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, id := range chunkIDs {
		g.Go(func() error {
			path, err := f.fetch(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[id] = path
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// fetch returns the cache path for one chunk, downloading it if absent.
// The download lands in a temp file first so a concurrent reader never sees
// a partial blob.
func (f *HTTPFetcher) fetch(ctx context.Context, chunkID uuid.UUID) (string, error) {
	cachePath := filepath.Join(f.cacheDir, chunkID.String()+".ogg")
	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, nil
	}
	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("asrproc: mkdir cache: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/internal/chunks/%s/file", f.baseURL, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("asrproc: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("asrproc: fetch chunk %s: %w", chunkID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asrproc: fetch chunk %s: HTTP %d", chunkID, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(f.cacheDir, chunkID.String()+"_*.tmp")
	if err != nil {
		return "", fmt.Errorf("asrproc: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("asrproc: write chunk %s: %w", chunkID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("asrproc: close temp: %w", err)
	}
	if err := os.Rename(tmpName, cachePath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("asrproc: publish chunk %s: %w", chunkID, err)
	}
	return cachePath, nil
}

// Cleanup removes the cached blobs for the given chunks. Errors are ignored;
// a leftover file is re-deleted on the next full cleanup.
func (f *HTTPFetcher) Cleanup(chunkIDs []uuid.UUID) {
	for _, id := range chunkIDs {
		os.Remove(filepath.Join(f.cacheDir, id.String()+".ogg"))
	}
}

// CleanupAll empties the chunk cache, e.g. at worker startup.
func (f *HTTPFetcher) CleanupAll() error {
	entries, err := os.ReadDir(f.cacheDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("asrproc: read cache dir: %w", err)
	}
	for _, e := range entries {
		os.Remove(filepath.Join(f.cacheDir, e.Name()))
	}
	return nil
}
