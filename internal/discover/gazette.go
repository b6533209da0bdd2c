package discover

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// reIssueNumber matches gazette issue numbering like "Nr. 07/2024".
var reIssueNumber = regexp.MustCompile(`(?i)nr\.?\s*\d`)

var gazetteIssueTextMarkers = []string{
	"amtsblatt", "sonderamtsblatt", "bekanntmachungsblatt", "ausgabe",
}

const (
	maxIssues        = 15
	minTOCEntryChars = 12
)

type gazetteIssue struct {
	title string
	url   string
	date  *time.Time
}

// DiscoverGazette enumerates gazette issues from the municipality's
// Amtsblatt index page. Issues with a table of contents yield one
// candidate per entry; bare issue PDFs yield one candidate per issue and
// rely on extraction to look inside.
func (d *Discoverer) DiscoverGazette(ctx context.Context, runID string, muni crawler.Municipality, mode crawler.RunMode) crawler.DiscoveryResult {
	b := newCandidateBuilder(runID, muni, crawler.SourceAmtsblatt, d.ids, d.clock)
	diag := newDiagRecorder(crawler.MethodSiteDriven)

	links, _ := d.FindSourceLinks(ctx, muni)
	if links.Amtsblatt == "" {
		return b.result(crawler.SourceStatusNotFound, diag.diagnostics(crawler.ReasonNoSeedURL))
	}

	diag.attempt(links.Amtsblatt)
	indexDoc, resp, err := d.fetchDoc(ctx, links.Amtsblatt, false)
	if err != nil {
		diag.fail(links.Amtsblatt, err.Error())
		return b.result(crawler.ClassifySourceError(err), diag.diagnostics(crawler.ReasonFoundButEmpty))
	}
	if indexDoc == nil {
		diag.failStatus(links.Amtsblatt, resp.StatusCode)
		return b.result(crawler.SourceStatusNotFound, diag.diagnostics(crawler.ReasonFoundButEmpty))
	}

	base, err := url.Parse(links.Amtsblatt)
	if err != nil {
		diag.fail(links.Amtsblatt, "unparseable gazette url")
		return b.result(crawler.SourceStatusErrorOther, diag.diagnostics(crawler.ReasonFoundButEmpty))
	}

	pagesLeft := maxPagesPerAdapter
	for _, issue := range findIssueLinks(indexDoc, base) {
		if strings.HasSuffix(strings.ToLower(issue.url), ".pdf") {
			b.add(issue.title, issue.url, issue.date, nil)
			continue
		}
		if pagesLeft <= 0 {
			break
		}
		pagesLeft--
		diag.attempt(issue.url)
		issueDoc, resp, err := d.fetchDoc(ctx, issue.url, false)
		if err != nil {
			diag.fail(issue.url, err.Error())
			continue
		}
		if issueDoc == nil {
			diag.failStatus(issue.url, resp.StatusCode)
			continue
		}
		entries := findTOCEntries(issueDoc, base)
		if len(entries) == 0 {
			b.add(issue.title, issue.url, issue.date, nil)
			continue
		}
		for _, entry := range entries {
			date := entry.date
			if date == nil {
				date = issue.date
			}
			b.add(entry.title, entry.url, date, nil)
		}
	}

	if len(b.out) == 0 {
		return b.result(crawler.SourceStatusEmpty, diag.diagnostics(crawler.ReasonFoundButEmpty))
	}
	d.logger.Info("gazette discovery complete",
		zap.String("municipality", muni.Key),
		zap.String("index", links.Amtsblatt),
		zap.Int("candidates", len(b.out)))
	return b.result(crawler.SourceStatusOK, diag.diagnostics(crawler.ReasonFound))
}

// findIssueLinks picks anchors on the index page that look like gazette
// issues: issue numbering, family markers in the text, or direct PDFs.
func findIssueLinks(doc *goquery.Document, base *url.URL) []gazetteIssue {
	var issues []gazetteIssue
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if len(issues) >= maxIssues {
			return
		}
		href, _ := sel.Attr("href")
		text := strings.Join(strings.Fields(sel.Text()), " ")
		lowerText := strings.ToLower(text)

		matched := strings.HasSuffix(strings.ToLower(href), ".pdf")
		if !matched {
			for _, marker := range gazetteIssueTextMarkers {
				if strings.Contains(lowerText, marker) {
					matched = true
					break
				}
			}
		}
		if !matched && reIssueNumber.MatchString(lowerText) {
			matched = true
		}
		if !matched {
			return
		}

		abs := resolveHref(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		if text == "" {
			text = abs
		}
		date := parseGermanDate(text)
		if date == nil {
			date = parseGermanDate(sel.Parent().Text())
		}
		issues = append(issues, gazetteIssue{title: text, url: abs, date: date})
	})
	return issues
}

type tocEntry struct {
	title string
	url   string
	date  *time.Time
}

// findTOCEntries extracts per-notice anchors from an HTML issue page. An
// anchor counts as a table-of-contents entry when it carries enough text
// to be a notice title.
func findTOCEntries(doc *goquery.Document, base *url.URL) []tocEntry {
	var entries []tocEntry
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		title := strings.Join(strings.Fields(sel.Text()), " ")
		if len(title) < minTOCEntryChars {
			return
		}
		href, _ := sel.Attr("href")
		abs := resolveHref(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		entries = append(entries, tocEntry{
			title: title,
			url:   abs,
			date:  parseGermanDate(title),
		})
	})
	return entries
}
