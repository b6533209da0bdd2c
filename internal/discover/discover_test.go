package discover

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakePage struct {
	status int
	body   string
	err    error
}

type fakeFetcher struct {
	pages map[string]fakePage
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.calls = append(f.calls, req.URL)
	page, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 404}, nil
	}
	if page.err != nil {
		return crawler.FetchResponse{}, page.err
	}
	status := page.status
	if status == 0 {
		status = 200
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(page.body)}, nil
}

func (f *fakeFetcher) fetched(url string) bool {
	for _, c := range f.calls {
		if c == url {
			return true
		}
	}
	return false
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "id-" + string(rune('a'+s.n-1)), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestDiscoverer(t *testing.T, fetcher crawler.Fetcher) *Discoverer {
	t.Helper()
	clock := fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(fetcher, &seqIDs{}, clock, zaptest.NewLogger(t))
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ParenthesizedSuffixDropped", "Fürstenberg (Havel)", "fuerstenberg"},
		{"UmlautsFolded", "Mönchengladbach", "moenchengladbach"},
		{"Eszett", "Groß Kreutz", "gross-kreutz"},
		{"SlashCollapsed", "Oder/Spree Stadt", "oder-spree-stadt"},
		{"Empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestParseGermanDate(t *testing.T) {
	t.Parallel()

	t.Run("Valid", func(t *testing.T) {
		t.Parallel()
		got := parseGermanDate("Sitzung vom 12.03.2024 um 18:00 Uhr")
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC), *got)
	})

	t.Run("InvalidCalendarDate", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, parseGermanDate("31.02.2024"))
	})

	t.Run("NoDate", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, parseGermanDate("Tagesordnungspunkt 5"))
	})
}

func TestFindSourceLinks(t *testing.T) {
	t.Parallel()

	t.Run("NoEntrypoint", func(t *testing.T) {
		t.Parallel()
		d := newTestDiscoverer(t, &fakeFetcher{pages: map[string]fakePage{}})
		links, diag := d.FindSourceLinks(context.Background(), crawler.Municipality{Key: "x", Name: "X"})
		assert.Empty(t, links.RIS)
		assert.Empty(t, links.Amtsblatt)
		assert.Equal(t, crawler.ReasonNoSeedURL, diag.ReasonCode)
	})

	t.Run("HomepageLinks", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://www.stadt.example/": {body: `<html><body>
				<a href="https://allris.stadt.example/bi/">Ratsinformationssystem</a>
				<a href="/amtsblatt">Amtsblatt der Stadt</a>
				<a href="/kontakt">Kontakt</a>
			</body></html>`},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "stadt", Name: "Stadt", Entrypoint: "https://www.stadt.example/"}

		links, diag := d.FindSourceLinks(context.Background(), muni)
		assert.Equal(t, "https://allris.stadt.example/bi/", links.RIS)
		assert.Equal(t, "https://www.stadt.example/amtsblatt", links.Amtsblatt)
		assert.Equal(t, crawler.ReasonFound, diag.ReasonCode)
		assert.Contains(t, diag.AttemptedURLs, "https://www.stadt.example/")
	})
}

func TestDiscoverRIS(t *testing.T) {
	t.Parallel()

	t.Run("SiteDrivenEnumeration", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://www.stadt.example/": {body: `<a href="https://allris.stadt.example/bi/">Ratsinformationssystem</a>`},
			"https://allris.stadt.example/bi/": {body: `<html><body>Sitzungsdienst
				<a href="/bi/au0020?AU=5">Bauausschuss</a>
			</body></html>`},
			"https://allris.stadt.example/bi/au0020?AU=5": {body: `<html><body>
				<tr><td>12.03.2024</td><td><a href="/bi/si0057?SI=100">Sitzung vom 12.03.2024</a></td></tr>
				<tr><td>10.05.2021</td><td><a href="/bi/si0057?SI=1">Sitzung vom 10.05.2021</a></td></tr>
			</body></html>`},
			"https://allris.stadt.example/bi/si0057?SI=100": {body: `<html><body>
				<a href="/bi/vo0050?VO=1">Aufstellungsbeschluss Bebauungsplan Nr. 5 "Energiepark"</a>
				<a href="/bi/to0040?TO=2">Einvernehmen nach § 36 BauGB zum Bauantrag Batteriespeicher</a>
			</body></html>`},
			"https://allris.stadt.example/bi/to0040?TO=2": {body: `<html><body>
				<a href="/bi/getfile.asp?id=9">Vorlage.pdf</a>
			</body></html>`},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "stadt", Name: "Stadt", Entrypoint: "https://www.stadt.example/"}

		res := d.DiscoverRIS(context.Background(), "run-1", muni, crawler.ModeFast)
		require.Equal(t, crawler.SourceStatusOK, res.Status)
		assert.Equal(t, crawler.ReasonFound, res.Diagnostics.ReasonCode)
		require.Len(t, res.Candidates, 2)

		first := res.Candidates[0]
		assert.Equal(t, crawler.SourceRIS, first.Source)
		assert.Equal(t, "run-1", first.RunID)
		assert.Equal(t, "stadt", first.MunicipalityKey)
		require.NotNil(t, first.PublishedAt)
		assert.Equal(t, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC), *first.PublishedAt)
		assert.Equal(t, crawler.CandidatePending, first.Status)

		second := res.Candidates[1]
		assert.Contains(t, second.Title, "Einvernehmen")
		require.Len(t, second.DocURLs, 1)
		assert.Equal(t, "https://allris.stadt.example/bi/getfile.asp?id=9", second.DocURLs[0])

		// The pre-cutoff session must not be fetched.
		assert.False(t, fetcher.fetched("https://allris.stadt.example/bi/si0057?SI=1"))
	})

	t.Run("PatternFallbackAll404", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "kleinstadt", Name: "Kleinstadt"}

		res := d.DiscoverRIS(context.Background(), "run-1", muni, crawler.ModeFast)
		assert.Equal(t, crawler.SourceStatusNotFound, res.Status)
		assert.Equal(t, crawler.ReasonAllURLs404, res.Diagnostics.ReasonCode)
		assert.Equal(t, crawler.MethodPatternGuessing, res.Diagnostics.Method)
		assert.Empty(t, res.Candidates)
		assert.Contains(t, res.Diagnostics.AttemptedURLs, "https://ratsinfo-online.net/kleinstadt-bi/")
		assert.Contains(t, res.Diagnostics.AttemptedURLs, "https://allris.kleinstadt.de/bi/")
	})

	t.Run("PatternFallbackNoMarkers", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://ratsinfo-online.net/kleinstadt-bi/": {body: `<html><body>Willkommen bei uns</body></html>`},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "kleinstadt", Name: "Kleinstadt"}

		res := d.DiscoverRIS(context.Background(), "run-1", muni, crawler.ModeFast)
		assert.Equal(t, crawler.SourceStatusNotFound, res.Status)
		assert.Equal(t, crawler.ReasonNoMarkers, res.Diagnostics.ReasonCode)
	})

	t.Run("NetworkErrorDegradesGracefully", func(t *testing.T) {
		t.Parallel()
		refused := errors.New("dial tcp: connect: connection refused")
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://ratsinfo-online.net/kleinstadt-bi/":  {err: refused},
			"https://sessionnet.owl-it.de/kleinstadt/bi/": {err: refused},
			"https://kleinstadt.ratsinfomanagement.net/":  {err: refused},
			"https://allris.kleinstadt.de/bi/":            {err: refused},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "kleinstadt", Name: "Kleinstadt"}

		res := d.DiscoverRIS(context.Background(), "run-1", muni, crawler.ModeFast)
		assert.Equal(t, crawler.SourceStatusErrorNetwork, res.Status)
		assert.Empty(t, res.Candidates)
		assert.Len(t, res.Diagnostics.FailedURLs, 4)
	})
}

func TestDiscoverGazette(t *testing.T) {
	t.Parallel()

	t.Run("IssuesAndTOCEntries", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://www.stadt.example/": {body: `<a href="/amtsblatt">Amtsblatt der Stadt</a>`},
			"https://www.stadt.example/amtsblatt": {body: `<html><body>
				<a href="/amtsblatt/2024-07.pdf">Amtsblatt Nr. 07/2024 vom 15.07.2024</a>
				<a href="/amtsblatt/ausgabe-06">Amtsblatt Nr. 06/2024</a>
			</body></html>`},
			"https://www.stadt.example/amtsblatt/ausgabe-06": {body: `<html><body>
				<a href="/news/1">Bekanntmachung Aufstellungsbeschluss B-Plan Nr. 3</a>
				<a href="/news/2">Öffentliche Auslegung Bebauungsplan "Am Umspannwerk"</a>
			</body></html>`},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "stadt", Name: "Stadt", Entrypoint: "https://www.stadt.example/"}

		res := d.DiscoverGazette(context.Background(), "run-1", muni, crawler.ModeFast)
		require.Equal(t, crawler.SourceStatusOK, res.Status)
		require.Len(t, res.Candidates, 3)

		issue := res.Candidates[0]
		assert.Equal(t, crawler.SourceAmtsblatt, issue.Source)
		assert.Equal(t, "https://www.stadt.example/amtsblatt/2024-07.pdf", issue.URL)
		require.NotNil(t, issue.PublishedAt)
		assert.Equal(t, time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC), *issue.PublishedAt)

		assert.Equal(t, "Bekanntmachung Aufstellungsbeschluss B-Plan Nr. 3", res.Candidates[1].Title)
		assert.Equal(t, "https://www.stadt.example/news/2", res.Candidates[2].URL)
	})

	t.Run("NoGazetteLink", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://www.stadt.example/": {body: `<a href="/kontakt">Kontakt</a>`},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "stadt", Name: "Stadt", Entrypoint: "https://www.stadt.example/"}

		res := d.DiscoverGazette(context.Background(), "run-1", muni, crawler.ModeFast)
		assert.Equal(t, crawler.SourceStatusNotFound, res.Status)
		assert.Equal(t, crawler.ReasonNoSeedURL, res.Diagnostics.ReasonCode)
	})
}

func TestDiscoverMunicipal(t *testing.T) {
	t.Parallel()

	t.Run("KeywordBFS", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://www.stadt.example/": {body: `<html><body>
				<a href="/bauen/bebauungsplaene">Bebauungspläne der Stadt</a>
				<a href="/kontakt">Kontakt</a>
			</body></html>`},
			"https://www.stadt.example/bauen/bebauungsplaene": {body: `<html><body>
				<a href="/bauen/b-plan-5-auslegung">Öffentliche Auslegung B-Plan Nr. 5 Batteriespeicher</a>
			</body></html>`},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "stadt", Name: "Stadt", Entrypoint: "https://www.stadt.example/"}

		res := d.DiscoverMunicipal(context.Background(), "run-1", muni, crawler.ModeFast)
		require.Equal(t, crawler.SourceStatusOK, res.Status)
		require.Len(t, res.Candidates, 2)
		assert.Equal(t, crawler.SourceMunicipal, res.Candidates[0].Source)
		assert.Equal(t, "https://www.stadt.example/bauen/bebauungsplaene", res.Candidates[0].URL)
		assert.Contains(t, res.Candidates[1].Title, "Auslegung")
		// Off-keyword links are neither candidates nor frontier entries.
		assert.False(t, fetcher.fetched("https://www.stadt.example/kontakt"))
	})

	t.Run("PatternFallbackWithoutEntrypoint", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "fuerstenberg", Name: "Fürstenberg (Havel)"}

		res := d.DiscoverMunicipal(context.Background(), "run-1", muni, crawler.ModeFast)
		assert.Equal(t, crawler.SourceStatusNotFound, res.Status)
		assert.Equal(t, crawler.ReasonAllURLs404, res.Diagnostics.ReasonCode)
		assert.Equal(t, crawler.MethodPatternGuessing, res.Diagnostics.Method)
		assert.Contains(t, res.Diagnostics.AttemptedURLs, "https://www.fuerstenberg.de/bauen")
	})

	t.Run("DeduplicatesRepeatedLinks", func(t *testing.T) {
		t.Parallel()
		fetcher := &fakeFetcher{pages: map[string]fakePage{
			"https://www.stadt.example/": {body: `<html><body>
				<a href="/bauleitplanung">Bauleitplanung und Verfahren</a>
				<a href="/bauleitplanung">Bauleitplanung und Verfahren</a>
			</body></html>`},
		}}
		d := newTestDiscoverer(t, fetcher)
		muni := crawler.Municipality{Key: "stadt", Name: "Stadt", Entrypoint: "https://www.stadt.example/"}

		res := d.DiscoverMunicipal(context.Background(), "run-1", muni, crawler.ModeFast)
		require.Equal(t, crawler.SourceStatusOK, res.Status)
		assert.Len(t, res.Candidates, 1)
	})
}

type bodyDetector struct{ marker string }

func (d bodyDetector) ShouldPromote(probe crawler.FetchResponse) bool {
	return probe.StatusCode == 200 && strings.Contains(string(probe.Body), d.marker)
}

func TestHeadlessPromotion(t *testing.T) {
	t.Parallel()

	shell := `<html><body><div id="root"></div></body></html>`
	rendered := `<html><body><a href="/bauleitplanung">Bauleitplanung der Gemeinde</a></body></html>`

	static := &fakeFetcher{pages: map[string]fakePage{
		"https://www.stadt.example/": {body: shell},
	}}
	headless := &fakeFetcher{pages: map[string]fakePage{
		"https://www.stadt.example/": {body: rendered},
	}}
	d := newTestDiscoverer(t, static).WithHeadless(bodyDetector{marker: `id="root"`}, headless)
	muni := crawler.Municipality{Key: "stadt", Name: "Stadt", Entrypoint: "https://www.stadt.example/"}

	t.Run("DeepModeRefetches", func(t *testing.T) {
		res := d.DiscoverMunicipal(context.Background(), "run-1", muni, crawler.ModeDeep)
		require.Equal(t, crawler.SourceStatusOK, res.Status)
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, "https://www.stadt.example/bauleitplanung", res.Candidates[0].URL)
		assert.True(t, headless.fetched("https://www.stadt.example/"))
	})

	t.Run("FastModeRecordsOnly", func(t *testing.T) {
		headlessFast := &fakeFetcher{pages: map[string]fakePage{}}
		dFast := newTestDiscoverer(t, static).WithHeadless(bodyDetector{marker: `id="root"`}, headlessFast)
		res := dFast.DiscoverMunicipal(context.Background(), "run-1", muni, crawler.ModeFast)
		assert.Equal(t, crawler.SourceStatusEmpty, res.Status)
		assert.Empty(t, headlessFast.calls)
	})
}
