// Package pdf extracts text from announcement PDFs progressively: the first
// few pages decide whether the rest of the document is worth the work. Text
// extraction shells out to pdftotext (poppler-utils); there is no OCR stage,
// scanned documents are only flagged.
package pdf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/classify"
	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
)

// ErrEncrypted marks password-protected PDFs; the document record keeps the
// error, no retry will help.
var ErrEncrypted = errors.New("pdf is encrypted")

const (
	fastFirstPages = 3
	deepFirstPages = 5
)

// Config controls the extractor.
type Config struct {
	// Bin is the pdftotext binary name or path; "pdftotext" when empty.
	Bin string
	// CacheDir is the text cache base; empty disables caching.
	CacheDir string
}

// Meta describes one extraction outcome.
type Meta struct {
	PagesExtracted int  `json:"pages_extracted"`
	TotalPages     int  `json:"total_pages"`
	OCRNeeded      bool `json:"ocr_needed"`
	FromCache      bool `json:"-"`
}

type cacheSidecar struct {
	URL string `json:"url"`
	Meta
}

// Extractor implements crawler.PDFTextExtractor on top of pdftotext.
type Extractor struct {
	bin      string
	infoBin  string
	cacheDir string
	logger   *zap.Logger
}

// New resolves the pdftotext binary and builds an Extractor. A missing
// binary is an error; callers degrade to HTML-only extraction.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	bin := cfg.Bin
	if bin == "" {
		bin = "pdftotext"
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("pdftotext binary %q: %w", bin, err)
	}
	// pdfinfo is optional; without it the page count stays unknown.
	infoBin, _ := exec.LookPath("pdfinfo")

	return &Extractor{
		bin:      resolved,
		infoBin:  infoBin,
		cacheDir: cfg.CacheDir,
		logger:   logger,
	}, nil
}

// Extract implements crawler.PDFTextExtractor: first-K pages, a trigger
// scan, and the rest of the document only when the scan says so.
func (e *Extractor) Extract(ctx context.Context, req crawler.PDFExtractRequest) (crawler.PDFExtractResult, error) {
	key := textCacheKey(req.URL, len(req.Data))
	if text, meta, ok := e.loadCached(key); ok {
		metrics.ObserveCacheHit("pdf_text")
		return crawler.PDFExtractResult{
			Text:           text,
			PagesExtracted: meta.PagesExtracted,
			TotalPages:     meta.TotalPages,
			OCRNeeded:      meta.OCRNeeded,
			FromCache:      true,
		}, nil
	}

	tmp, err := os.CreateTemp("", "bess-pdf-*.pdf")
	if err != nil {
		return crawler.PDFExtractResult{}, fmt.Errorf("pdf temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil {
			e.logger.Debug("pdf temp cleanup", zap.Error(rmErr))
		}
	}()
	if _, err := tmp.Write(req.Data); err != nil {
		_ = tmp.Close()
		return crawler.PDFExtractResult{}, fmt.Errorf("pdf temp write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return crawler.PDFExtractResult{}, fmt.Errorf("pdf temp close: %w", err)
	}

	k := fastFirstPages
	if req.Mode == crawler.ModeDeep {
		k = deepFirstPages
	}

	text, meta, err := e.ExtractFirst(ctx, tmpPath, k)
	if err != nil {
		return crawler.PDFExtractResult{}, err
	}

	if !meta.OCRNeeded && shouldExtractRest(text, k, meta.TotalPages) {
		rest, restPages, restErr := e.ExtractRest(ctx, tmpPath, k)
		if restErr != nil {
			e.logger.Warn("pdf rest extraction failed; keeping first pages",
				zap.String("url", req.URL), zap.Error(restErr))
		} else if rest != "" {
			text = text + "\n" + rest
			meta.PagesExtracted += restPages
		}
	}

	metrics.ObservePDFPages(meta.PagesExtracted)
	e.storeCached(key, req.URL, text, meta)

	return crawler.PDFExtractResult{
		Text:           text,
		PagesExtracted: meta.PagesExtracted,
		TotalPages:     meta.TotalPages,
		OCRNeeded:      meta.OCRNeeded,
	}, nil
}

// ExtractFirst pulls pages 1..k. Empty output from a document that has
// pages means there is no text layer.
func (e *Extractor) ExtractFirst(ctx context.Context, pdfPath string, k int) (string, Meta, error) {
	meta := Meta{TotalPages: e.pageCount(ctx, pdfPath)}

	text, err := e.run(ctx, pdfPath, 1, k)
	if err != nil {
		return "", Meta{}, err
	}
	meta.PagesExtracted = k
	if meta.TotalPages > 0 && meta.TotalPages < k {
		meta.PagesExtracted = meta.TotalPages
	}
	if strings.TrimSpace(text) == "" {
		meta.OCRNeeded = true
		meta.PagesExtracted = 0
		return "", meta, nil
	}
	return text, meta, nil
}

// ExtractRest pulls pages k+1..end and reports how many pages that was
// (zero when the page count is unknown).
func (e *Extractor) ExtractRest(ctx context.Context, pdfPath string, k int) (string, int, error) {
	total := e.pageCount(ctx, pdfPath)
	if total > 0 && total <= k {
		return "", 0, nil
	}
	text, err := e.run(ctx, pdfPath, k+1, 0)
	if err != nil {
		return "", 0, err
	}
	pages := 0
	if total > k {
		pages = total - k
	}
	return text, pages, nil
}

// shouldExtractRest is the trigger scan: only documents whose first pages
// carry a storage, permit or planning signal earn a full extraction.
func shouldExtractRest(firstText string, k, totalPages int) bool {
	if totalPages > 0 && totalPages <= k {
		return false
	}
	norm, _ := classify.Normalize(firstText)
	return classify.MatchesAny(norm, classify.BessExplicit) ||
		classify.MatchesAny(norm, classify.PermitStrong) ||
		classify.MatchesAny(norm, classify.PlanningStrong)
}

func (e *Extractor) run(ctx context.Context, pdfPath string, first, last int) (string, error) {
	args := []string{"-layout", "-f", strconv.Itoa(first)}
	if last > 0 {
		args = append(args, "-l", strconv.Itoa(last))
	}
	args = append(args, pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "Incorrect password") {
			return "", fmt.Errorf("%s: %w", pdfPath, ErrEncrypted)
		}
		return "", fmt.Errorf("pdftotext %s: %w: %s", pdfPath, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (e *Extractor) pageCount(ctx context.Context, pdfPath string) int {
	if e.infoBin == "" {
		return 0
	}
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, e.infoBin, pdfPath)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0
	}
	for _, line := range strings.Split(stdout.String(), "\n") {
		if rest, ok := strings.CutPrefix(line, "Pages:"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				return n
			}
		}
	}
	return 0
}

func textCacheKey(url string, contentLength int) string {
	sum := sha256.Sum256([]byte(url + "\x1f" + strconv.Itoa(contentLength)))
	return hex.EncodeToString(sum[:])
}

func (e *Extractor) cachePaths(key string) (textPath, metaPath string) {
	dir := filepath.Join(e.cacheDir, "pdf_text", key[:2])
	return filepath.Join(dir, key+".txt"), filepath.Join(dir, key+".meta.json")
}

func (e *Extractor) loadCached(key string) (string, Meta, bool) {
	if e.cacheDir == "" {
		return "", Meta{}, false
	}
	textPath, metaPath := e.cachePaths(key)
	rawMeta, err := os.ReadFile(metaPath)
	if err != nil {
		return "", Meta{}, false
	}
	var sidecar cacheSidecar
	if err := json.Unmarshal(rawMeta, &sidecar); err != nil {
		return "", Meta{}, false
	}
	text, err := os.ReadFile(textPath)
	if err != nil {
		return "", Meta{}, false
	}
	return string(text), sidecar.Meta, true
}

func (e *Extractor) storeCached(key, url, text string, meta Meta) {
	if e.cacheDir == "" {
		return
	}
	textPath, metaPath := e.cachePaths(key)
	if err := os.MkdirAll(filepath.Dir(textPath), 0o755); err != nil {
		e.logger.Debug("pdf text cache dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(textPath, []byte(text), 0o644); err != nil {
		e.logger.Debug("pdf text cache write", zap.Error(err))
		return
	}
	raw, err := json.Marshal(cacheSidecar{URL: url, Meta: meta})
	if err != nil {
		return
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		e.logger.Debug("pdf text cache meta write", zap.Error(err))
	}
}
