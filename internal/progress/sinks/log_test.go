package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/progress"
)

func TestLogSink(t *testing.T) {
	t.Parallel()

	t.Run("SummaryLineIsStable", func(t *testing.T) {
		t.Parallel()
		evt := progress.Event{
			RunID:            "run-1",
			TS:               time.Now(),
			Stage:            progress.StageMunicipalityDone,
			MunicipalityKey:  "fuerstenberg-havel",
			MunicipalityName: "Fürstenberg (Havel)",
			RISStatus:        crawler.SourceStatusOK,
			AmtsblattStatus:  crawler.SourceStatusNotFound,
			MunicipalStatus:  crawler.SourceStatusOK,
			Procedures:       4,
		}
		want := "MUNICIPALITY_SUMMARY: Fürstenberg (Havel) (fuerstenberg-havel) | " +
			"RIS=OK | Amtsblatt=NOT_FOUND | Municipal=OK | Procedures=4"
		assert.Equal(t, want, SummaryLine(evt))
	})

	t.Run("EmitsSummaryOnMunicipalityDone", func(t *testing.T) {
		t.Parallel()
		core, logs := observer.New(zap.InfoLevel)
		sink := NewLogSink(zap.New(core))

		now := time.Now()
		batch := []progress.Event{
			{RunID: "run-1", TS: now, Stage: progress.StageRunStart},
			{
				RunID:            "run-1",
				TS:               now.Add(time.Minute),
				Stage:            progress.StageMunicipalityDone,
				MunicipalityKey:  "lindow",
				MunicipalityName: "Lindow (Mark)",
				RISStatus:        crawler.SourceStatusOK,
				AmtsblattStatus:  crawler.SourceStatusEmpty,
				MunicipalStatus:  crawler.SourceStatusErrorNetwork,
				Procedures:       2,
			},
		}
		require.NoError(t, sink.Consume(context.Background(), batch))

		entries := logs.All()
		require.Len(t, entries, 2)
		assert.Equal(t, "progress event", entries[0].Message)
		assert.Equal(t,
			"MUNICIPALITY_SUMMARY: Lindow (Mark) (lindow) | RIS=OK | Amtsblatt=EMPTY | Municipal=ERROR_NETWORK | Procedures=2",
			entries[1].Message,
		)
	})
}
