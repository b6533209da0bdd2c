package discover

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// risMarkers verify that a guessed URL really is a council information
// system before it is enumerated.
var risMarkers = []string{
	"sitzung", "gremium", "tagesordnung",
	"sessionnet", "ratsinformationssystem", "vorlage",
}

// committeeAllowlist limits enumeration to the bodies that decide on
// land-use and permits.
var committeeAllowlist = []string{
	"bauausschuss", "hauptausschuss", "gemeindevertretung",
	"stadtverordnetenversammlung", "wirtschaftsausschuss", "umweltausschuss",
}

// privilegedItemTerms mark agenda items worth a second fetch to collect
// attachment PDFs.
var privilegedItemTerms = []string{
	"einvernehmen", "bauantrag", "bauvorbescheid", "vorbescheid",
	"stellungnahme", "energie", "speicher", "photovoltaik", "umspannwerk",
}

// agendaHrefMarkers identify agenda item links inside a session page.
var agendaHrefMarkers = []string{
	"to0040", "to0045", "vo0040", "vo0050", "tagesordnung", "vorlage",
}

var attachmentHrefMarkers = []string{".pdf", "getfile", "do0050"}

const (
	maxCommittees        = 6
	maxSessionsPerBody   = 20
	maxAttachmentFollows = 10
	maxAttachmentsPerTop = 5
	consecutiveOldLimit  = 3
)

var reGermanDate = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)

func parseGermanDate(s string) *time.Time {
	m := reGermanDate.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1990 || year > 2100 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != time.Month(month) {
		return nil
	}
	return &t
}

func bodyHasRISMarkers(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range risMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// patternSeedURLs are the well-known RIS hosting schemes tried when the
// municipal site does not link its RIS.
func patternSeedURLs(muniName string) []string {
	name := SanitizeName(muniName)
	if name == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("https://ratsinfo-online.net/%s-bi/", name),
		fmt.Sprintf("https://sessionnet.owl-it.de/%s/bi/", name),
		fmt.Sprintf("https://%s.ratsinfomanagement.net/", name),
		fmt.Sprintf("https://allris.%s.de/bi/", name),
	}
}

// DiscoverRIS finds the municipality's council information system and
// enumerates recent agenda items of the planning-relevant committees.
func (d *Discoverer) DiscoverRIS(ctx context.Context, runID string, muni crawler.Municipality, mode crawler.RunMode) crawler.DiscoveryResult {
	b := newCandidateBuilder(runID, muni, crawler.SourceRIS, d.ids, d.clock)

	seedDoc, seedURL, diag, status := d.findRISSeed(ctx, muni)
	if seedDoc == nil {
		return b.result(status, diag.diagnostics(diag.reason))
	}

	base, err := url.Parse(seedURL)
	if err != nil {
		diag.fail(seedURL, "unparseable seed url")
		return b.result(crawler.SourceStatusErrorOther, diag.diagnostics(crawler.ReasonFoundButEmpty))
	}

	pagesLeft := maxPagesPerAdapter
	items := d.enumerateAgendaItems(ctx, seedDoc, base, mode, diag, &pagesLeft)

	follows := 0
	for _, item := range items {
		var docURLs []string
		if follows < maxAttachmentFollows && isPrivilegedItem(item.title) {
			follows++
			docURLs = d.collectAttachments(ctx, item.url, base, diag)
		}
		b.add(item.title, item.url, item.date, docURLs)
	}

	if len(b.out) == 0 {
		return b.result(crawler.SourceStatusEmpty, diag.diagnostics(crawler.ReasonFoundButEmpty))
	}
	d.logger.Info("ris discovery complete",
		zap.String("municipality", muni.Key),
		zap.String("seed", seedURL),
		zap.Int("candidates", len(b.out)))
	return b.result(crawler.SourceStatusOK, diag.diagnostics(crawler.ReasonFound))
}

// risDiag extends the recorder with the final reason code decided during
// seed resolution.
type risDiag struct {
	*diagRecorder
	reason string
}

func (d *Discoverer) findRISSeed(ctx context.Context, muni crawler.Municipality) (*goquery.Document, string, *risDiag, crawler.SourceStatus) {
	links, _ := d.FindSourceLinks(ctx, muni)

	siteDriven := &risDiag{diagRecorder: newDiagRecorder(crawler.MethodSiteDriven), reason: crawler.ReasonFound}
	if links.RIS != "" {
		siteDriven.attempt(links.RIS)
		doc, resp, err := d.fetchDoc(ctx, links.RIS, true)
		if err == nil && doc != nil && bodyHasRISMarkers(resp.Body) {
			return doc, links.RIS, siteDriven, crawler.SourceStatusOK
		}
		if err != nil {
			siteDriven.fail(links.RIS, err.Error())
		} else if doc == nil {
			siteDriven.failStatus(links.RIS, resp.StatusCode)
		} else {
			siteDriven.fail(links.RIS, "no ris markers")
		}
		// Fall through to pattern guessing below.
	}

	diag := &risDiag{diagRecorder: newDiagRecorder(crawler.MethodPatternGuessing)}
	diag.attempted = append(diag.attempted, siteDriven.attempted...)
	for u, reason := range siteDriven.failed {
		diag.failed[u] = reason
	}
	seeds := patternSeedURLs(muni.Name)
	if len(seeds) == 0 {
		diag.reason = crawler.ReasonNoSeedURL
		return nil, "", diag, crawler.SourceStatusNotFound
	}

	all404 := true
	sawSSL := false
	sawMarkerless := false
	for _, seed := range seeds {
		diag.attempt(seed)
		doc, resp, err := d.fetchDoc(ctx, seed, true)
		if err != nil {
			diag.fail(seed, err.Error())
			if crawler.ClassifySourceError(err) == crawler.SourceStatusErrorSSL {
				sawSSL = true
			}
			all404 = false
			continue
		}
		if doc == nil {
			diag.failStatus(seed, resp.StatusCode)
			if resp.StatusCode != 404 {
				all404 = false
			}
			continue
		}
		all404 = false
		if !bodyHasRISMarkers(resp.Body) {
			sawMarkerless = true
			diag.fail(seed, "no ris markers")
			continue
		}
		diag.reason = crawler.ReasonFound
		return doc, seed, diag, crawler.SourceStatusOK
	}

	switch {
	case all404:
		diag.reason = crawler.ReasonAllURLs404
		return nil, "", diag, crawler.SourceStatusNotFound
	case sawMarkerless:
		diag.reason = crawler.ReasonNoMarkers
		return nil, "", diag, crawler.SourceStatusNotFound
	case sawSSL:
		diag.reason = crawler.ReasonSSLBlocked
		return nil, "", diag, crawler.SourceStatusErrorSSL
	default:
		diag.reason = crawler.ReasonAllURLs404
		return nil, "", diag, crawler.SourceStatusErrorNetwork
	}
}

type agendaItem struct {
	title string
	url   string
	date  *time.Time
}

type sessionRef struct {
	url  string
	date *time.Time
}

// enumerateAgendaItems walks committee pages and their sessions in reverse
// chronological order, stopping a committee after three consecutive
// sessions older than the cutoff.
func (d *Discoverer) enumerateAgendaItems(ctx context.Context, seedDoc *goquery.Document, base *url.URL, mode crawler.RunMode, diag *risDiag, pagesLeft *int) []agendaItem {
	committees := findCommitteeLinks(seedDoc, base)
	if len(committees) == 0 {
		// Flat installations list sessions on the start page directly.
		committees = []string{base.String()}
	}

	var items []agendaItem
	for _, committeeURL := range committees {
		doc := seedDoc
		if committeeURL != base.String() {
			if *pagesLeft <= 0 {
				break
			}
			*pagesLeft--
			diag.attempt(committeeURL)
			var resp crawler.FetchResponse
			var err error
			doc, resp, err = d.fetchDocMode(ctx, committeeURL, true, mode)
			if err != nil {
				diag.fail(committeeURL, err.Error())
				continue
			}
			if doc == nil {
				diag.failStatus(committeeURL, resp.StatusCode)
				continue
			}
		}

		sessions := findSessionLinks(doc, base)
		consecutiveOld := 0
		for _, session := range sessions {
			if session.date != nil && session.date.Before(sessionCutoff) {
				consecutiveOld++
				if consecutiveOld >= consecutiveOldLimit {
					break
				}
				continue
			}
			consecutiveOld = 0
			if *pagesLeft <= 0 {
				return items
			}
			*pagesLeft--
			diag.attempt(session.url)
			sessionDoc, resp, err := d.fetchDocMode(ctx, session.url, true, mode)
			if err != nil {
				diag.fail(session.url, err.Error())
				continue
			}
			if sessionDoc == nil {
				diag.failStatus(session.url, resp.StatusCode)
				continue
			}
			items = append(items, agendaItemsFromSession(sessionDoc, base, session.date)...)
		}
	}
	return items
}

func findCommitteeLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if len(links) >= maxCommittees {
			return
		}
		text := strings.ToLower(sel.Text())
		matched := false
		for _, committee := range committeeAllowlist {
			if strings.Contains(text, committee) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
		href, _ := sel.Attr("href")
		abs := resolveHref(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})
	return links
}

// findSessionLinks collects dated session links, newest first.
func findSessionLinks(doc *goquery.Document, base *url.URL) []sessionRef {
	var sessions []sessionRef
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		lowerHref := strings.ToLower(href)
		if !strings.Contains(lowerHref, "si0") && !strings.Contains(lowerHref, "sitzung") &&
			!strings.Contains(lowerHref, "meeting") {
			return
		}
		abs := resolveHref(base, href)
		if abs == "" || seen[abs] {
			return
		}
		date := parseGermanDate(sel.Text())
		if date == nil {
			// Session calendars often keep the date in the enclosing row.
			date = parseGermanDate(sel.Parent().Text())
		}
		seen[abs] = true
		sessions = append(sessions, sessionRef{url: abs, date: date})
	})
	sort.SliceStable(sessions, func(i, j int) bool {
		switch {
		case sessions[i].date == nil:
			return false
		case sessions[j].date == nil:
			return true
		default:
			return sessions[i].date.After(*sessions[j].date)
		}
	})
	if len(sessions) > maxSessionsPerBody {
		sessions = sessions[:maxSessionsPerBody]
	}
	return sessions
}

func agendaItemsFromSession(doc *goquery.Document, base *url.URL, sessionDate *time.Time) []agendaItem {
	var items []agendaItem
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		lowerHref := strings.ToLower(href)
		matched := false
		for _, marker := range agendaHrefMarkers {
			if strings.Contains(lowerHref, marker) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
		title := strings.Join(strings.Fields(sel.Text()), " ")
		if title == "" {
			return
		}
		abs := resolveHref(base, href)
		if abs == "" {
			return
		}
		items = append(items, agendaItem{title: title, url: abs, date: sessionDate})
	})
	return items
}

func isPrivilegedItem(title string) bool {
	lower := strings.ToLower(title)
	for _, term := range privilegedItemTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// collectAttachments follows one agenda item page and returns its PDF
// attachment URLs.
func (d *Discoverer) collectAttachments(ctx context.Context, itemURL string, base *url.URL, diag *risDiag) []string {
	diag.attempt(itemURL)
	doc, resp, err := d.fetchDoc(ctx, itemURL, true)
	if err != nil {
		diag.fail(itemURL, err.Error())
		return nil
	}
	if doc == nil {
		diag.failStatus(itemURL, resp.StatusCode)
		return nil
	}
	var urls []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if len(urls) >= maxAttachmentsPerTop {
			return
		}
		href, _ := sel.Attr("href")
		lowerHref := strings.ToLower(href)
		matched := false
		for _, marker := range attachmentHrefMarkers {
			if strings.Contains(lowerHref, marker) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
		abs := resolveHref(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		urls = append(urls, abs)
	})
	return urls
}
