package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

func floatPtr(v float64) *float64 { return &v }

func TestRollup(t *testing.T) {
	t.Parallel()

	project := crawler.Project{
		ID:              "proj-1",
		MunicipalityKey: "lindow",
		CreatedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	procs := []crawler.Procedure{
		{
			ID:            "proc-1",
			TitleNorm:     "aufstellung bebauungsplan nr 5 batteriespeicher am umspannwerk",
			ProcedureType: crawler.ProcBplanAufstellung,
			LegalBasis:    crawler.LegalBasisUnknown,
			Relevant:      true,
			PlanToken:     "5",
			Developer:     "Energiepark Süd GmbH",
			CapacityMW:    floatPtr(50),
			Confidence:    0.8,
			DecisionDate:  datePtr(2024, 2, 10),
		},
		{
			ID:            "proc-2",
			TitleNorm:     "oeffentliche auslegung bebauungsplan nr 5",
			ProcedureType: crawler.ProcBplanAuslegung32,
			LegalBasis:    crawler.LegalBasis35,
			Relevant:      true,
			PlanToken:     "5",
			Developer:     "Energiepark Süd GmbH",
			CapacityMW:    floatPtr(80),
			CapacityMWh:   floatPtr(160),
			AreaHA:        floatPtr(4.5),
			Confidence:    0.65,
			AmbiguityFlag: true,
			DecisionDate:  datePtr(2024, 8, 1),
		},
		{
			ID:            "proc-3",
			TitleNorm:     "einvernehmen nach 36 baugb",
			ProcedureType: crawler.ProcPermit36Einvernehmen,
			LegalBasis:    crawler.LegalBasis36,
			LocationText:  "Gemarkung Lindow; Flur 3",
			ParcelToken:   "gemarkung:lindow|flur:3|flurstueck:21",
			Confidence:    0.6,
			CreatedAt:     time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC),
		},
	}

	out := Rollup(project, procs)

	t.Run("Identity", func(t *testing.T) {
		assert.Equal(t, "proj-1", out.ID)
		assert.Equal(t, "lindow", out.MunicipalityKey)
		assert.Equal(t, project.CreatedAt, out.CreatedAt)
	})

	t.Run("MaturityIsMaxRung", func(t *testing.T) {
		assert.Equal(t, crawler.MaturityPermit36, out.Maturity)
	})

	t.Run("LegalBasisPrecedence", func(t *testing.T) {
		// § 35 outranks § 36 even though the consent came later.
		assert.Equal(t, crawler.LegalBasis35, out.LegalBasis)
	})

	t.Run("CanonicalNameFromPlanToken", func(t *testing.T) {
		assert.Equal(t, "5", out.CanonicalName)
	})

	t.Run("SiteLocationPrefersParcel", func(t *testing.T) {
		assert.Equal(t, "gemarkung:lindow|flur:3|flurstueck:21", out.SiteLocation)
	})

	t.Run("CapacitiesAreMax", func(t *testing.T) {
		require.NotNil(t, out.CapacityMW)
		assert.Equal(t, 80.0, *out.CapacityMW)
		require.NotNil(t, out.CapacityMWh)
		assert.Equal(t, 160.0, *out.CapacityMWh)
		require.NotNil(t, out.AreaHA)
		assert.Equal(t, 4.5, *out.AreaHA)
	})

	t.Run("SeenWindow", func(t *testing.T) {
		assert.Equal(t, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), out.FirstSeen)
		assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), out.LastSeen)
	})

	t.Run("ReviewAndConfidence", func(t *testing.T) {
		assert.True(t, out.NeedsReview)
		assert.Equal(t, 0.8, out.MaxConfidence)
		assert.Equal(t, 3, out.ProcedureCount)
		assert.Equal(t, "Energiepark Süd GmbH", out.Developer)
	})

	t.Run("Idempotent", func(t *testing.T) {
		again := Rollup(out, procs)
		again.UpdatedAt = out.UpdatedAt
		assert.Equal(t, out, again)
	})
}

func TestRollupFallbacks(t *testing.T) {
	t.Parallel()

	t.Run("LongestRelevantTitleWithoutPlanToken", func(t *testing.T) {
		t.Parallel()
		out := Rollup(crawler.Project{ID: "p"}, []crawler.Procedure{
			{TitleNorm: "kurzer titel speicher", Relevant: true},
			{TitleNorm: "deutlich laengerer titel batteriespeicher am netzanschluss", Relevant: true},
			{TitleNorm: "irrelevanter aber sehr sehr sehr langer eintrag ohne bess bezug"},
		})
		assert.Equal(t, "deutlich laengerer titel batteriespeicher am netzanschluss", out.CanonicalName)
	})

	t.Run("LongestLocationWithoutParcel", func(t *testing.T) {
		t.Parallel()
		out := Rollup(crawler.Project{ID: "p"}, []crawler.Procedure{
			{LocationText: "Flur 3"},
			{LocationText: "Gemarkung Lindow; Flur 3; Flurstück 21"},
		})
		assert.Equal(t, "Gemarkung Lindow; Flur 3; Flurstück 21", out.SiteLocation)
	})

	t.Run("PlanTokenTieGoesToNewest", func(t *testing.T) {
		t.Parallel()
		out := Rollup(crawler.Project{ID: "p"}, []crawler.Procedure{
			{PlanToken: "3", DecisionDate: datePtr(2024, 1, 1)},
			{PlanToken: "7", DecisionDate: datePtr(2024, 6, 1)},
		})
		assert.Equal(t, "7", out.CanonicalName)
	})
}
