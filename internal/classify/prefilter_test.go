package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

func TestPrefilterScore(t *testing.T) {
	t.Parallel()

	t.Run("BessAndProcedureInTitle", func(t *testing.T) {
		t.Parallel()
		got := PrefilterScore("Aufstellungsbeschluss Bebauungsplan Nr. 12/2024 Batteriespeicheranlage Metzdorf", "https://ris.example.de/to0040.asp?id=123")
		assert.InDelta(t, 0.9, got, 0.001)
	})

	t.Run("ProcedureInURLOnly", func(t *testing.T) {
		t.Parallel()
		got := PrefilterScore("Tagesordnungspunkt 7", "https://example.de/bebauungsplan/entwurf.pdf")
		assert.InDelta(t, 0.2, got, 0.001)
	})

	t.Run("ContainerTitlePenalty", func(t *testing.T) {
		t.Parallel()
		got := PrefilterScore("Amtsblatt Nr. 07/2024 der Stadt Beispielstadt", "https://example.de/amtsblatt/2024-07.pdf")
		assert.Zero(t, got)
	})

	t.Run("ContainerPenaltyDoesNotSinkStrongTitle", func(t *testing.T) {
		t.Parallel()
		got := PrefilterScore("Amtsblatt Nr. 3: Satzungsbeschluss Batteriespeicher Nord", "https://example.de/ab3.pdf")
		// 0.6 + 0.3 − 0.7
		assert.InDelta(t, 0.2, got, 0.001)
	})

	t.Run("NoSignals", func(t *testing.T) {
		t.Parallel()
		got := PrefilterScore("Haushaltssatzung 2024", "https://example.de/haushalt.pdf")
		assert.Zero(t, got)
	})
}

func TestExtractionThreshold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		source crawler.SourceType
		mode   crawler.RunMode
		want   float64
	}{
		{"RISFast", crawler.SourceRIS, crawler.ModeFast, 0.35},
		{"RISDeep", crawler.SourceRIS, crawler.ModeDeep, 0.20},
		{"AmtsblattFast", crawler.SourceAmtsblatt, crawler.ModeFast, 0.50},
		{"AmtsblattDeep", crawler.SourceAmtsblatt, crawler.ModeDeep, 0.30},
		{"MunicipalFast", crawler.SourceMunicipal, crawler.ModeFast, 0.60},
		{"MunicipalDeep", crawler.SourceMunicipal, crawler.ModeDeep, 0.50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ExtractionThreshold(tc.source, tc.mode))
		})
	}
}
