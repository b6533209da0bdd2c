package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/progress"
)

// LogSink emits structured logs for progress streams. Municipality completion
// additionally produces a stable one-line summary that operators grep for.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage == progress.StageMunicipalitySummary || evt.Stage == progress.StageMunicipalityDone {
			s.logger.Info(SummaryLine(evt),
				zap.String("run_id", evt.RunID),
				zap.Duration("dur", evt.Dur),
			)
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("municipality", evt.MunicipalityKey),
			zap.String("source", string(evt.Source)),
			zap.String("status", string(evt.Status)),
			zap.Int("candidates", evt.Candidates),
			zap.Int("procedures", evt.Procedures),
			zap.String("url", evt.URL),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// SummaryLine renders the per-municipality completion line. The format is
// stable so shell pipelines and alerting rules can match on it.
func SummaryLine(evt progress.Event) string {
	return fmt.Sprintf("MUNICIPALITY_SUMMARY: %s (%s) | RIS=%s | Amtsblatt=%s | Municipal=%s | Procedures=%d",
		evt.MunicipalityName,
		evt.MunicipalityKey,
		evt.RISStatus,
		evt.AmtsblattStatus,
		evt.MunicipalStatus,
		evt.Procedures,
	)
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
