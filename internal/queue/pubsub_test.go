package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

func TestJobCodec(t *testing.T) {
	t.Parallel()

	t.Run("RoundTrip", func(t *testing.T) {
		t.Parallel()
		job := crawler.JobPayload{
			Type:             crawler.JobExtraction,
			RunID:            "run-1",
			MunicipalityKey:  "lindow",
			MunicipalityName: "Lindow (Mark)",
			Mode:             crawler.ModeDeep,
			CandidateID:      "cand-7",
		}
		data, err := encodeJob(job)
		require.NoError(t, err)

		got, err := decodeJob(data)
		require.NoError(t, err)
		assert.Equal(t, job, got)
	})

	t.Run("RejectsMissingType", func(t *testing.T) {
		t.Parallel()
		_, err := decodeJob([]byte(`{"run_id":"run-1"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "without type")
	})

	t.Run("RejectsMalformedJSON", func(t *testing.T) {
		t.Parallel()
		_, err := decodeJob([]byte(`{not json`))
		assert.Error(t, err)
	})
}
