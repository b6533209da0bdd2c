package discover

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// spiderKeywords gate which links the municipal spider follows. Either the
// anchor text or the URL must contain one.
var spiderKeywords = []string{
	"bauen", "planung", "bebauungsplan", "bauleitplanung", "b-plan",
	"stadtplanung", "bekanntmachung", "satzung", "verordnung", "amtliche",
	"oeffentlich", "verfahren", "beteiligung", "auslegung", "aufstellung",
	"bauvorbescheid", "baugenehmigung", "bauantrag", "bauausschuss",
	"planungsausschuss", "gemeindevertretung",
}

// fallbackPaths are tried against the guessed www host when the
// municipality record has no entrypoint.
var fallbackPaths = []string{
	"/bauen", "/bauleitplanung", "/bekanntmachungen", "/rathaus/bekanntmachungen",
}

const minSpiderTitleChars = 10

// DiscoverMunicipal spiders the municipal website itself, breadth-first
// over planning-related links, same host only, bounded by page and depth
// caps.
func (d *Discoverer) DiscoverMunicipal(ctx context.Context, runID string, muni crawler.Municipality, mode crawler.RunMode) crawler.DiscoveryResult {
	b := newCandidateBuilder(runID, muni, crawler.SourceMunicipal, d.ids, d.clock)

	seeds := []string{}
	method := crawler.MethodSiteDriven
	if muni.Entrypoint != "" {
		seeds = append(seeds, muni.Entrypoint)
	} else {
		name := SanitizeName(muni.Name)
		if name == "" {
			diag := newDiagRecorder(crawler.MethodSiteDriven)
			return b.result(crawler.SourceStatusNotFound, diag.diagnostics(crawler.ReasonNoSeedURL))
		}
		method = crawler.MethodPatternGuessing
		for _, path := range fallbackPaths {
			seeds = append(seeds, "https://www."+name+".de"+path)
		}
	}
	diag := newDiagRecorder(method)

	type frontierEntry struct {
		url   string
		depth int
	}
	frontier := make([]frontierEntry, 0, len(seeds))
	visited := make(map[string]bool)
	for _, seed := range seeds {
		key := crawler.DedupKey(seed)
		if key == "" || visited[key] {
			continue
		}
		visited[key] = true
		frontier = append(frontier, frontierEntry{url: seed, depth: 0})
	}

	pagesFetched := 0
	reachedAny := false
	for len(frontier) > 0 && pagesFetched < maxPagesPerAdapter {
		entry := frontier[0]
		frontier = frontier[1:]

		pagesFetched++
		diag.attempt(entry.url)
		doc, resp, err := d.fetchDocMode(ctx, entry.url, false, mode)
		if err != nil {
			diag.fail(entry.url, err.Error())
			continue
		}
		if doc == nil {
			diag.failStatus(entry.url, resp.StatusCode)
			continue
		}
		reachedAny = true

		base, err := url.Parse(entry.url)
		if err != nil {
			continue
		}
		for _, link := range spiderLinks(doc, base) {
			key := crawler.DedupKey(link.url)
			if key == "" || visited[key] {
				continue
			}
			visited[key] = true
			if len(link.title) >= minSpiderTitleChars {
				b.add(link.title, link.url, nil, nil)
			}
			if entry.depth+1 <= maxSpiderDepth {
				frontier = append(frontier, frontierEntry{url: link.url, depth: entry.depth + 1})
			}
		}
	}

	switch {
	case !reachedAny && method == crawler.MethodPatternGuessing:
		return b.result(crawler.SourceStatusNotFound, diag.diagnostics(crawler.ReasonAllURLs404))
	case len(b.out) == 0:
		return b.result(crawler.SourceStatusEmpty, diag.diagnostics(crawler.ReasonFoundButEmpty))
	}
	d.logger.Info("municipal discovery complete",
		zap.String("municipality", muni.Key),
		zap.Int("pages", pagesFetched),
		zap.Int("candidates", len(b.out)))
	return b.result(crawler.SourceStatusOK, diag.diagnostics(crawler.ReasonFound))
}

type spiderLink struct {
	title string
	url   string
}

// spiderLinks returns same-host anchors whose text or URL carries a
// planning keyword.
func spiderLinks(doc *goquery.Document, base *url.URL) []spiderLink {
	var links []spiderLink
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveHref(base, href)
		if abs == "" {
			return
		}
		u, err := url.Parse(abs)
		if err != nil || !strings.EqualFold(u.Hostname(), base.Hostname()) {
			return
		}
		title := strings.Join(strings.Fields(sel.Text()), " ")
		haystack := strings.ToLower(title + " " + abs)
		for _, keyword := range spiderKeywords {
			if strings.Contains(haystack, keyword) {
				links = append(links, spiderLink{title: title, url: abs})
				return
			}
		}
	})
	return links
}
