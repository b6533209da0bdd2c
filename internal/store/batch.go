package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Batch collects low-stakes audit writes during one extraction job and
// flushes them in a single round trip at job end. Procedure upserts stay
// transactional and do not go through here.
type Batch struct {
	store  *Postgres
	batch  *pgx.Batch
	labels []string
}

// NewBatch starts an empty write batch.
func (s *Postgres) NewBatch() *Batch {
	return &Batch{store: s, batch: &pgx.Batch{}}
}

// QueueAuditSource adds a rejected-item source row.
func (b *Batch) QueueAuditSource(src crawler.SourceRecord) {
	b.labels = append(b.labels, fmt.Sprintf("source %s", src.ID))
	b.batch.Queue(insertSourceSQL,
		src.ID, src.ProcedureID, src.RunID, src.MunicipalityKey,
		src.SourceType, src.URL, src.Status, src.HTTPStatus, src.ContentHash,
		src.SkipReason, src.ErrorMessage, src.FetchedAt,
	)
}

// QueueCandidateStatus adds a candidate outcome update.
func (b *Batch) QueueCandidateStatus(id string, status crawler.CandidateStatus, skipReason, errorMessage string) {
	b.labels = append(b.labels, fmt.Sprintf("candidate %s", id))
	b.batch.Queue(updateCandidateStatusSQL, id, status, skipReason, errorMessage)
}

// Len reports the number of queued writes.
func (b *Batch) Len() int { return b.batch.Len() }

// Flush sends the batch and returns one error per failed item; a nil
// slice means every write landed.
func (b *Batch) Flush(ctx context.Context) []error {
	if b.batch.Len() == 0 {
		return nil
	}
	results := b.store.db.SendBatch(ctx, b.batch)
	defer results.Close()

	var errs []error
	for _, label := range b.labels {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("store: batch write %s: %w", label, err))
		}
	}
	b.batch = &pgx.Batch{}
	b.labels = nil
	return errs
}
