package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseRunMode("deep")
	require.NoError(t, err)
	assert.Equal(t, ModeDeep, mode)

	mode, err = ParseRunMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFast, mode)

	_, err = ParseRunMode("turbo")
	require.Error(t, err)
}

func TestMaturityLadder(t *testing.T) {
	t.Parallel()

	t.Run("OrderIsMonotone", func(t *testing.T) {
		t.Parallel()
		ladder := []Maturity{
			MaturityDiscovered,
			MaturityBplanAufstellung,
			MaturityBplanAuslegung,
			MaturityBplanSatzung,
			MaturityPermit36,
			MaturityBauvorbescheid,
			MaturityBaugenehmigung,
		}
		for i := 1; i < len(ladder); i++ {
			assert.Greater(t, ladder[i].Rank(), ladder[i-1].Rank(), "rung %s", ladder[i])
		}
	})

	t.Run("UnknownRanksBelowDiscovered", func(t *testing.T) {
		t.Parallel()
		assert.Less(t, Maturity("bogus").Rank(), MaturityDiscovered.Rank())
	})
}

func TestMaturityForProcedure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pt   ProcedureType
		want Maturity
	}{
		{ProcBplanAufstellung, MaturityBplanAufstellung},
		{ProcBplanFruehzeitig31, MaturityBplanAuslegung},
		{ProcBplanAuslegung32, MaturityBplanAuslegung},
		{ProcBplanSatzung, MaturityBplanSatzung},
		{ProcPermit36Einvernehmen, MaturityPermit36},
		{ProcPermitBauvorbescheid, MaturityBauvorbescheid},
		{ProcPermitBaugenehmigung, MaturityBaugenehmigung},
		{ProcBplanOther, MaturityDiscovered},
		{ProcUnknown, MaturityDiscovered},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MaturityForProcedure(tc.pt), "type %s", tc.pt)
	}
}

func TestCrawlStatsAdd(t *testing.T) {
	t.Parallel()

	total := CrawlStats{RunID: "r", MunicipalityKey: "m", PagesFetched: 1, TotalMs: 100}
	total.Add(CrawlStats{PagesFetched: 2, ProceduresSaved: 1, TotalMs: 50})

	assert.Equal(t, 3, total.PagesFetched)
	assert.Equal(t, 1, total.ProceduresSaved)
	assert.Equal(t, int64(150), total.TotalMs)
}
