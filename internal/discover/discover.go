package discover

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/classify"
	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
)

// Discoverer runs the three source adapters against one municipality at a
// time. All network traffic goes through the injected Fetcher.
type Discoverer struct {
	fetcher  crawler.Fetcher
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger
	detector crawler.HeadlessDetector
	headless crawler.Fetcher
}

// New builds a Discoverer.
func New(fetcher crawler.Fetcher, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Discoverer {
	return &Discoverer{fetcher: fetcher, ids: ids, clock: clock, logger: logger}
}

// WithHeadless enables deep-mode browser re-fetches for pages the detector
// flags as JavaScript-rendered.
func (d *Discoverer) WithHeadless(detector crawler.HeadlessDetector, headless crawler.Fetcher) *Discoverer {
	d.detector = detector
	d.headless = headless
	return d
}

// Session cutoff: RIS enumeration stops after three consecutive sessions
// older than this.
var sessionCutoff = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	maxPagesPerAdapter = 20
	maxSpiderDepth     = 2
)

// fetchDoc retrieves a page and parses it; nil doc with no error means a
// non-HTML or non-200 response the caller should treat as absent.
func (d *Discoverer) fetchDoc(ctx context.Context, rawURL string, ris bool) (*goquery.Document, crawler.FetchResponse, error) {
	req := crawler.FetchRequest{URL: rawURL, RISContext: ris}
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, crawler.FetchResponse{}, err
	}
	if resp.StatusCode != 200 {
		return nil, resp, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		// Malformed HTML degrades to zero links, not an adapter failure.
		d.logger.Debug("html parse failed", zap.String("url", rawURL), zap.Error(err))
		return nil, resp, nil
	}
	return doc, resp, nil
}

// fetchDocMode is fetchDoc plus the static-vs-JS promotion rule: when the
// detector flags the response and the run is deep, the page is re-fetched
// through the headless browser and re-parsed. Fast mode only records the
// detection.
func (d *Discoverer) fetchDocMode(ctx context.Context, rawURL string, ris bool, mode crawler.RunMode) (*goquery.Document, crawler.FetchResponse, error) {
	doc, resp, err := d.fetchDoc(ctx, rawURL, ris)
	if err != nil || d.detector == nil || !d.detector.ShouldPromote(resp) {
		return doc, resp, err
	}
	if mode != crawler.ModeDeep || d.headless == nil {
		d.logger.Debug("js-rendered page left unpromoted",
			zap.String("url", rawURL), zap.String("mode", string(mode)))
		return doc, resp, err
	}
	hresp, herr := d.headless.Fetch(ctx, crawler.FetchRequest{URL: rawURL, RISContext: ris})
	if herr != nil || hresp.StatusCode != 200 {
		d.logger.Warn("headless promotion failed", zap.String("url", rawURL), zap.Error(herr))
		return doc, resp, err
	}
	hdoc, perr := goquery.NewDocumentFromReader(bytes.NewReader(hresp.Body))
	if perr != nil {
		return doc, resp, err
	}
	d.logger.Info("headless promotion", zap.String("url", rawURL))
	return hdoc, hresp, nil
}

// resolveHref turns a (possibly relative) href into an absolute URL on the
// same scheme; empty string when unusable.
func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// candidateBuilder assembles deduped candidates for one adapter run.
type candidateBuilder struct {
	runID  string
	muni   crawler.Municipality
	source crawler.SourceType
	ids    crawler.IDGenerator
	clock  crawler.Clock
	seen   map[string]bool
	out    []crawler.Candidate
}

func newCandidateBuilder(runID string, muni crawler.Municipality, source crawler.SourceType, ids crawler.IDGenerator, clock crawler.Clock) *candidateBuilder {
	return &candidateBuilder{
		runID:  runID,
		muni:   muni,
		source: source,
		ids:    ids,
		clock:  clock,
		seen:   make(map[string]bool),
	}
}

func (b *candidateBuilder) add(title, rawURL string, publishedAt *time.Time, docURLs []string) {
	key := crawler.DedupKey(rawURL)
	if key == "" || b.seen[key] {
		return
	}
	b.seen[key] = true

	id, err := b.ids.NewID()
	if err != nil {
		id = key
	}
	b.out = append(b.out, crawler.Candidate{
		ID:               id,
		RunID:            b.runID,
		MunicipalityKey:  b.muni.Key,
		MunicipalityName: b.muni.Name,
		Source:           b.source,
		URL:              rawURL,
		Title:            strings.Join(strings.Fields(title), " "),
		PublishedAt:      publishedAt,
		DocURLs:          docURLs,
		PrefilterScore:   classify.PrefilterScore(title, rawURL),
		Status:           crawler.CandidatePending,
		CreatedAt:        b.clock.Now().UTC(),
	})
}

func (b *candidateBuilder) result(status crawler.SourceStatus, diag crawler.Diagnostics) crawler.DiscoveryResult {
	metrics.ObserveCandidates(string(b.source), len(b.out))
	return crawler.DiscoveryResult{
		Source:      b.source,
		Status:      status,
		Candidates:  b.out,
		Diagnostics: diag,
	}
}

// diagRecorder keeps the attempted/failed URL trail every adapter must
// produce.
type diagRecorder struct {
	method    string
	attempted []string
	failed    map[string]string
}

func newDiagRecorder(method string) *diagRecorder {
	return &diagRecorder{method: method, failed: make(map[string]string)}
}

func (r *diagRecorder) attempt(url string) { r.attempted = append(r.attempted, url) }

func (r *diagRecorder) fail(url, reason string) { r.failed[url] = reason }

func (r *diagRecorder) failStatus(url string, status int) {
	r.failed[url] = fmt.Sprintf("status %d", status)
}

func (r *diagRecorder) diagnostics(reason string) crawler.Diagnostics {
	return crawler.Diagnostics{
		Method:        r.method,
		AttemptedURLs: r.attempted,
		FailedURLs:    r.failed,
		ReasonCode:    reason,
	}
}
