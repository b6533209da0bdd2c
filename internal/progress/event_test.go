package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("AcceptsRunScopedStages", func(t *testing.T) {
		t.Parallel()
		for _, stage := range []Stage{StageRunStart, StageRunDone, StageError} {
			evt := Event{RunID: "run-1", TS: now, Stage: stage}
			assert.NoError(t, evt.Validate(), string(stage))
		}
	})

	t.Run("RequiresRunID", func(t *testing.T) {
		t.Parallel()
		evt := Event{TS: now, Stage: StageRunStart}
		require.Error(t, evt.Validate())
	})

	t.Run("RequiresTimestamp", func(t *testing.T) {
		t.Parallel()
		evt := Event{RunID: "run-1", Stage: StageRunStart}
		require.Error(t, evt.Validate())
	})

	t.Run("MunicipalityStagesNeedKey", func(t *testing.T) {
		t.Parallel()
		evt := Event{RunID: "run-1", TS: now, Stage: StageMunicipalityDone}
		require.Error(t, evt.Validate())

		evt.MunicipalityKey = "lindow"
		require.NoError(t, evt.Validate())
	})

	t.Run("SourceDoneNeedsSourceAndStatus", func(t *testing.T) {
		t.Parallel()
		evt := Event{RunID: "run-1", TS: now, Stage: StageSourceDone, MunicipalityKey: "lindow"}
		require.Error(t, evt.Validate())

		evt.Source = crawler.SourceAmtsblatt
		require.Error(t, evt.Validate())

		evt.Status = crawler.SourceStatusNotFound
		require.NoError(t, evt.Validate())
	})

	t.Run("RejectsUnknownStage", func(t *testing.T) {
		t.Parallel()
		evt := Event{RunID: "run-1", TS: now, Stage: Stage("FETCH_DONE")}
		err := evt.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown stage")
	})

	t.Run("RejectsNegativeDuration", func(t *testing.T) {
		t.Parallel()
		evt := Event{RunID: "run-1", TS: now, Stage: StageRunDone, Dur: -time.Second}
		require.Error(t, evt.Validate())
	})
}
