package discover

import (
	"context"
	"encoding/xml"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// SourceLinks is the best link per source family found on the municipal
// site itself.
type SourceLinks struct {
	RIS       string
	Amtsblatt string
}

var risHostMarkers = []string{"allris", "sessionnet", "ratsinfo", "ris"}

var risPathMarkers = []string{
	"/ris", "/sessionnet", "/si0100", "/to0100", "/gremien", "/sitzung",
}

var gazettePathMarkers = []string{
	"/amtsblatt", "/bekanntmachung", "/veroeffentlichung",
	"/auslegung", "/bauleitplanung",
}

var risTextMarkers = []string{
	"ratsinformation", "sitzungsdienst", "buergerinfo", "gremien",
}

var gazetteTextMarkers = []string{
	"amtsblatt", "bekanntmachung", "amtliche", "auslegung",
}

// FindSourceLinks scans the municipal homepage, sitemap and imprint for
// links into a RIS and a gazette section. It never fails hard: a
// municipality without an entrypoint just reports NO_SEED_URL.
func (d *Discoverer) FindSourceLinks(ctx context.Context, muni crawler.Municipality) (SourceLinks, crawler.Diagnostics) {
	diag := newDiagRecorder(crawler.MethodSiteDriven)
	if muni.Entrypoint == "" {
		return SourceLinks{}, diag.diagnostics(crawler.ReasonNoSeedURL)
	}
	base, err := url.Parse(muni.Entrypoint)
	if err != nil {
		diag.fail(muni.Entrypoint, "unparseable entrypoint")
		return SourceLinks{}, diag.diagnostics(crawler.ReasonNoSeedURL)
	}

	type scored struct {
		url   string
		score int
	}
	var risHits, gazetteHits []scored
	pagesFetched := 0

	scanPage := func(pageURL string) *goquery.Document {
		if pagesFetched >= maxPagesPerAdapter {
			return nil
		}
		pagesFetched++
		diag.attempt(pageURL)
		doc, resp, err := d.fetchDoc(ctx, pageURL, false)
		if err != nil {
			diag.fail(pageURL, err.Error())
			return nil
		}
		if doc == nil {
			diag.failStatus(pageURL, resp.StatusCode)
			return nil
		}
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			abs := resolveHref(base, href)
			if abs == "" {
				return
			}
			text := strings.ToLower(sel.Text())
			if score := linkScore(abs, text, risHostMarkers, risPathMarkers, risTextMarkers); score > 0 {
				risHits = append(risHits, scored{url: abs, score: score})
			}
			if score := linkScore(abs, text, nil, gazettePathMarkers, gazetteTextMarkers); score > 0 {
				gazetteHits = append(gazetteHits, scored{url: abs, score: score})
			}
		})
		return doc
	}

	home := scanPage(muni.Entrypoint)

	for _, loc := range d.sitemapLocations(ctx, base, diag) {
		if looksInteresting(loc) {
			scanPage(loc)
		}
	}

	if home != nil {
		if imprint := findImprintLink(home, base); imprint != "" {
			scanPage(imprint)
		}
	}

	best := func(hits []scored) string {
		if len(hits) == 0 {
			return ""
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
		return hits[0].url
	}

	links := SourceLinks{RIS: best(risHits), Amtsblatt: best(gazetteHits)}
	reason := crawler.ReasonFound
	if links.RIS == "" && links.Amtsblatt == "" {
		reason = crawler.ReasonFoundButEmpty
	}
	d.logger.Debug("source links resolved",
		zap.String("municipality", muni.Key),
		zap.String("ris", links.RIS),
		zap.String("amtsblatt", links.Amtsblatt))
	return links, diag.diagnostics(reason)
}

// linkScore counts marker hits over host, path and anchor text.
func linkScore(rawURL, anchorText string, hostMarkers, pathMarkers, textMarkers []string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)

	score := 0
	for _, m := range hostMarkers {
		if strings.Contains(host, m) {
			score++
		}
	}
	for _, m := range pathMarkers {
		if strings.Contains(path, m) {
			score++
		}
	}
	for _, m := range textMarkers {
		if strings.Contains(anchorText, m) {
			score++
		}
	}
	return score
}

func looksInteresting(loc string) bool {
	lower := strings.ToLower(loc)
	for _, m := range append(append([]string{}, risPathMarkers...), gazettePathMarkers...) {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

func (d *Discoverer) sitemapLocations(ctx context.Context, base *url.URL, diag *diagRecorder) []string {
	sitemapURL := base.Scheme + "://" + base.Host + "/sitemap.xml"
	diag.attempt(sitemapURL)
	resp, err := d.fetcher.Fetch(ctx, crawler.FetchRequest{URL: sitemapURL})
	if err != nil {
		diag.fail(sitemapURL, err.Error())
		return nil
	}
	if resp.StatusCode != 200 {
		diag.failStatus(sitemapURL, resp.StatusCode)
		return nil
	}
	var set sitemapURLSet
	if err := xml.Unmarshal(resp.Body, &set); err != nil {
		diag.fail(sitemapURL, "unparseable sitemap")
		return nil
	}
	locs := make([]string, 0, len(set.URLs))
	for _, entry := range set.URLs {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs
}

func findImprintLink(doc *goquery.Document, base *url.URL) string {
	link := ""
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.ToLower(sel.Text())
		href, _ := sel.Attr("href")
		if strings.Contains(text, "impressum") || strings.Contains(strings.ToLower(href), "impressum") {
			link = resolveHref(base, href)
			return false
		}
		return true
	})
	return link
}
