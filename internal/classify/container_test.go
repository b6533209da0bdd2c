package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

func TestIsValidProcedure(t *testing.T) {
	t.Parallel()

	classified := func(title string) Result {
		d := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
		return Classify("", title, &d, crawler.SourceAmtsblatt)
	}

	t.Run("GazetteIssueIsContainer", func(t *testing.T) {
		t.Parallel()
		title, _ := Normalize("Amtsblatt Nr. 07/2024 der Stadt Beispielstadt")
		ok, reason := IsValidProcedure(title, "https://example.de/amtsblatt/2024-07.pdf", crawler.SourceAmtsblatt, Result{}, "")
		assert.False(t, ok)
		assert.Equal(t, SkipContainer, reason)
	})

	t.Run("ContainerWithProcedureInTextPasses", func(t *testing.T) {
		t.Parallel()
		title, _ := Normalize("Amtsblatt Nr. 07/2024 der Stadt Beispielstadt")
		text := "Aufstellungsbeschluss für den Bebauungsplan Nr. 5 Batteriespeicher"
		ok, reason := IsValidProcedure(title, "https://example.de/ab.pdf", crawler.SourceAmtsblatt, classified(text), text)
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("BessCandidatePasses", func(t *testing.T) {
		t.Parallel()
		raw := "Aufstellungsbeschluss Batteriespeicher Nord"
		title, _ := Normalize(raw)
		ok, reason := IsValidProcedure(title, "https://example.de/ris/123", crawler.SourceRIS, classified(raw), "")
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("RISPrivilegedTermPasses", func(t *testing.T) {
		t.Parallel()
		title, _ := Normalize("Stellungnahme zum Vorhaben Gewerbegebiet Süd")
		ok, reason := IsValidProcedure(title, "https://ris.example.de/to0040.asp?id=9", crawler.SourceRIS, Result{}, "")
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("MunicipalWithoutAnySignalRejected", func(t *testing.T) {
		t.Parallel()
		title, _ := Normalize("Neues aus dem Rathaus")
		ok, reason := IsValidProcedure(title, "https://example.de/aktuelles", crawler.SourceMunicipal, Result{}, "Das Stadtfest findet im Juli statt.")
		assert.False(t, ok)
		assert.Equal(t, SkipNoProcedureSignal, reason)
	})
}
