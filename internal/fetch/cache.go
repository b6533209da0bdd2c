package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// cacheMeta is the sidecar written next to every cached body.
type cacheMeta struct {
	URL           string    `json:"url"`
	CachedAt      time.Time `json:"cached_at"`
	ContentLength int64     `json:"content_length"`
	ETag          string    `json:"etag,omitempty"`
	LastModified  string    `json:"last_modified,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
	Status        int       `json:"status"`
}

// diskCache stores successful GET responses keyed by the SHA-256 of the
// normalized URL, sharded by the first two hex chars. Entries power
// conditional revalidation (If-None-Match / If-Modified-Since).
type diskCache struct {
	base   string
	logger *zap.Logger
}

func newDiskCache(base string, logger *zap.Logger) *diskCache {
	return &diskCache{base: base, logger: logger}
}

func cacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(crawler.DedupKey(rawURL)))
	return hex.EncodeToString(sum[:])
}

func (c *diskCache) paths(rawURL string) (bodyPath, metaPath string) {
	key := cacheKey(rawURL)
	dir := filepath.Join(c.base, "http", key[:2])
	return filepath.Join(dir, key), filepath.Join(dir, key+".meta.json")
}

// Load returns the cached body and sidecar for a URL. A missing or corrupt
// sidecar is a miss.
func (c *diskCache) Load(rawURL string) ([]byte, cacheMeta, bool) {
	if c.base == "" {
		return nil, cacheMeta{}, false
	}
	bodyPath, metaPath := c.paths(rawURL)
	rawMeta, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, cacheMeta{}, false
	}
	var meta cacheMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		c.logger.Debug("corrupt cache sidecar treated as miss",
			zap.String("path", metaPath), zap.Error(err))
		return nil, cacheMeta{}, false
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return nil, cacheMeta{}, false
	}
	return body, meta, true
}

// Store writes body and sidecar for a 200 response.
func (c *diskCache) Store(rawURL string, header http.Header, body []byte, now time.Time) error {
	if c.base == "" {
		return nil
	}
	bodyPath, metaPath := c.paths(rawURL)
	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	if err := os.WriteFile(bodyPath, body, 0o644); err != nil {
		return fmt.Errorf("cache body: %w", err)
	}
	meta := cacheMeta{
		URL:           rawURL,
		CachedAt:      now.UTC(),
		ContentLength: int64(len(body)),
		ETag:          header.Get("Etag"),
		LastModified:  header.Get("Last-Modified"),
		ContentType:   header.Get("Content-Type"),
		Status:        http.StatusOK,
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache meta marshal: %w", err)
	}
	if err := os.WriteFile(metaPath, rawMeta, 0o644); err != nil {
		return fmt.Errorf("cache meta: %w", err)
	}
	return nil
}

// conditionalHeaders returns validators for a revalidation request.
func (m cacheMeta) conditionalHeaders() http.Header {
	h := make(http.Header)
	if m.ETag != "" {
		h.Set("If-None-Match", m.ETag)
	}
	if m.LastModified != "" {
		h.Set("If-Modified-Since", m.LastModified)
	}
	return h
}
