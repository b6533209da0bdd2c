package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/classify"
	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
	"github.com/netzspeicher/bess-crawler/internal/pdf"
	"github.com/netzspeicher/bess-crawler/internal/progress"
)

// risAttachmentMarkers identify document links on RIS detail pages that carry
// no explicit doc URLs (Allris getfile handlers, Sessionnet do0050 pages).
var risAttachmentMarkers = []string{".pdf", "getfile", "do0050"}

// fastEvidenceFloor: fast runs persist evidence snippets only for
// high-confidence hits; deep runs keep them always.
const fastEvidenceFloor = 0.7

// processExtraction loads a candidate, runs the extraction pipeline and
// records timing stats for the run. Candidate-level failures are persisted
// and do not fail the job.
func (w *Worker) processExtraction(ctx context.Context, job crawler.JobPayload) error {
	cand, err := w.deps.Store.GetCandidate(ctx, job.CandidateID)
	if err != nil {
		return fmt.Errorf("load candidate %s: %w", job.CandidateID, err)
	}

	stats := crawler.CrawlStats{
		RunID:           job.RunID,
		MunicipalityKey: cand.MunicipalityKey,
	}
	start := w.deps.Clock.Now()
	err = w.extractCandidate(ctx, job, cand, &stats)
	stats.TotalMs = w.deps.Clock.Now().Sub(start).Milliseconds()

	// Stats survive cancellation so interrupted runs still account for work done.
	if serr := w.deps.Store.AddCrawlStats(context.WithoutCancel(ctx), stats); serr != nil {
		w.logger.Warn("crawl stats update failed",
			zap.String("municipality", cand.MunicipalityKey), zap.Error(serr))
	}
	return err
}

func (w *Worker) extractCandidate(ctx context.Context, job crawler.JobPayload, cand crawler.Candidate, stats *crawler.CrawlStats) error {
	muni := crawler.Municipality{Key: cand.MunicipalityKey, Name: cand.MunicipalityName}

	fetchStart := w.deps.Clock.Now()
	resp, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:        cand.URL,
		RISContext: cand.Source == crawler.SourceRIS,
	})
	stats.FetchHTMLMs += w.deps.Clock.Now().Sub(fetchStart).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			w.failCandidate(context.WithoutCancel(ctx), job, cand, crawler.SourceStatusErrorOther, "cancelled", 0, stats)
			return ctx.Err()
		}
		w.failCandidate(ctx, job, cand, crawler.ClassifySourceError(err), err.Error(), 0, stats)
		return nil
	}
	stats.PagesFetched++

	if resp.StatusCode != http.StatusOK {
		status := crawler.SourceStatusErrorOther
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			status = crawler.SourceStatusNotFound
		}
		w.failCandidate(ctx, job, cand, status, fmt.Sprintf("http status %d", resp.StatusCode), resp.StatusCode, stats)
		return nil
	}

	var (
		pageText string
		pdfTexts []string
		docs     []crawler.DocumentRecord
	)
	if isPDFResponse(resp) {
		text, doc, ok := w.ingestPDF(ctx, job.Mode, cand.URL, resp.Body, stats)
		if ok {
			docs = append(docs, doc)
			if text != "" {
				pdfTexts = append(pdfTexts, text)
			}
		}
	} else {
		pageText = htmlText(resp.Body)

		docURLs := cand.DocURLs
		if len(docURLs) == 0 && cand.Source == crawler.SourceRIS {
			titleNorm, _ := classify.Normalize(cand.Title)
			if classify.HasPrivilegedRISTerm(titleNorm) {
				docURLs = attachmentLinks(resp.Body, resp.URL, w.cfg.MaxPDFsPerCandidate)
			}
		}
		if len(docURLs) > w.cfg.MaxPDFsPerCandidate {
			docURLs = docURLs[:w.cfg.MaxPDFsPerCandidate]
		}

		for _, docURL := range docURLs {
			if ctx.Err() != nil {
				w.failCandidate(context.WithoutCancel(ctx), job, cand, crawler.SourceStatusErrorOther, "cancelled", resp.StatusCode, stats)
				return ctx.Err()
			}
			text, doc, ok := w.fetchPDF(ctx, job.Mode, cand, docURL, stats)
			if !ok {
				continue
			}
			docs = append(docs, doc)
			if text != "" {
				pdfTexts = append(pdfTexts, text)
			}
		}
	}

	combined := pageText
	if len(pdfTexts) > 0 {
		combined = strings.TrimSpace(pageText + "\n\n" + strings.Join(pdfTexts, "\n\n"))
	}

	classifyStart := w.deps.Clock.Now()
	decisionDate := classify.ExtractDecisionDate(combined)
	date := cand.PublishedAt
	if date == nil {
		date = decisionDate
	}
	res := classify.Classify(combined, cand.Title, date, cand.Source)
	stats.ClassifyMs += w.deps.Clock.Now().Sub(classifyStart).Milliseconds()

	titleNorm, _ := classify.Normalize(cand.Title)
	valid, reason := classify.IsValidProcedure(titleNorm, cand.URL, cand.Source, res, combined)
	if !valid {
		if !res.Relevant && reason == classify.SkipNoProcedureSignal {
			reason = classify.SkipLowConfidenceNoSignal
		}
		return w.skipCandidate(ctx, job, cand, reason, resp.StatusCode, stats)
	}

	return w.saveProcedure(ctx, job, cand, muni, res, saveInput{
		combined:     combined,
		titleNorm:    titleNorm,
		decisionDate: decisionDate,
		httpStatus:   resp.StatusCode,
		docs:         docs,
	}, stats)
}

type saveInput struct {
	combined     string
	titleNorm    string
	decisionDate *time.Time
	httpStatus   int
	docs         []crawler.DocumentRecord
}

func (w *Worker) saveProcedure(ctx context.Context, job crawler.JobPayload, cand crawler.Candidate, muni crawler.Municipality, res classify.Result, in saveInput, stats *crawler.CrawlStats) error {
	contentHash, err := w.deps.Hasher.Hash([]byte(in.combined))
	if err != nil {
		return fmt.Errorf("hash extracted text for %s: %w", cand.ID, err)
	}

	planToken := classify.ExtractPlanToken(cand.Title, in.combined)
	parcelToken := classify.ExtractParcelToken(in.combined)
	procID := crawler.MakeProcedureID(in.titleNorm, cand.MunicipalityKey, []string{planToken, parcelToken})

	decisionDate := in.decisionDate
	if decisionDate == nil {
		decisionDate = cand.PublishedAt
	}

	evidence := res.EvidenceSnippets
	if job.Mode == crawler.ModeFast && res.Confidence < fastEvidenceFloor {
		evidence = nil
	}

	now := w.deps.Clock.Now().UTC()
	proc := crawler.Procedure{
		ID:               procID,
		RunID:            job.RunID,
		MunicipalityKey:  cand.MunicipalityKey,
		MunicipalityName: cand.MunicipalityName,
		Title:            cand.Title,
		TitleNorm:        in.titleNorm,
		URL:              cand.URL,
		DiscoverySource:  cand.Source,
		ProcedureType:    res.ProcedureType,
		LegalBasis:       res.LegalBasis,
		Components:       res.Components,
		Relevant:         res.Relevant,
		AmbiguityFlag:    res.AmbiguityFlag,
		ReviewNeeded:     res.ReviewRecommended,
		Confidence:       res.Confidence,
		BessScore:        res.BessScore,
		GridScore:        res.GridScore,
		CapacityMW:       classify.ExtractCapacityMW(in.combined),
		CapacityMWh:      classify.ExtractCapacityMWh(in.combined),
		AreaHA:           classify.ExtractAreaHA(in.combined),
		Developer:        classify.ExtractDeveloper(in.combined),
		LocationText:     classify.ExtractLocation(in.combined),
		PlanToken:        planToken,
		ParcelToken:      parcelToken,
		DecisionDate:     decisionDate,
		EvidenceSnippets: evidence,
		MatchedTerms:     res.MatchedTerms,
		ContentHash:      contentHash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i := range in.docs {
		in.docs[i].ProcedureID = procID
	}

	link, project, err := w.deps.Resolver.Resolve(ctx, proc)
	if err != nil {
		w.failCandidate(ctx, job, cand, crawler.SourceStatusErrorOther, fmt.Sprintf("resolve project: %v", err), in.httpStatus, stats)
		return nil
	}

	srcID, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate source id: %w", err)
	}
	bundle := crawler.ProcedureBundle{
		Procedure: proc,
		Source: crawler.SourceRecord{
			ID:              srcID,
			ProcedureID:     &proc.ID,
			RunID:           job.RunID,
			MunicipalityKey: cand.MunicipalityKey,
			SourceType:      cand.Source,
			URL:             cand.URL,
			Status:          crawler.SourceStatusOK,
			HTTPStatus:      in.httpStatus,
			ContentHash:     contentHash,
			FetchedAt:       now,
		},
		Documents: in.docs,
		Project:   project,
		Link:      link,
	}

	dbStart := w.deps.Clock.Now()
	if err := w.deps.Store.UpsertProcedure(ctx, bundle); err != nil {
		w.failCandidate(context.WithoutCancel(ctx), job, cand, crawler.SourceStatusErrorOther, fmt.Sprintf("upsert procedure: %v", err), in.httpStatus, stats)
		return fmt.Errorf("upsert procedure %s: %w", proc.ID, err)
	}
	stats.DBWriteMs += w.deps.Clock.Now().Sub(dbStart).Milliseconds()
	stats.ProceduresSaved++
	metrics.ObserveProcedureSaved()

	if err := w.deps.Store.UpdateCandidateStatus(ctx, cand.ID, crawler.CandidateDone, "", ""); err != nil {
		w.logger.Warn("candidate status update failed",
			zap.String("candidate", cand.ID), zap.Error(err))
	}

	w.publishUpsert(ctx, proc, link)

	w.summary.procedureSaved(job.RunID, muni, now)
	w.emit(progress.Event{
		RunID:            job.RunID,
		TS:               now,
		Stage:            progress.StageProcedureSaved,
		MunicipalityKey:  cand.MunicipalityKey,
		MunicipalityName: cand.MunicipalityName,
		Source:           cand.Source,
		URL:              cand.URL,
		Procedures:       1,
	})

	w.logger.Info("procedure saved",
		zap.String("run_id", job.RunID),
		zap.String("municipality", cand.MunicipalityKey),
		zap.String("procedure_id", proc.ID),
		zap.String("type", string(proc.ProcedureType)),
		zap.Bool("relevant", proc.Relevant),
		zap.Float64("confidence", proc.Confidence),
		zap.String("project_id", link.ProjectID),
	)
	return nil
}

// publishUpsert notifies downstream consumers after the transaction commits.
// Publish failures are logged, never propagated.
func (w *Worker) publishUpsert(ctx context.Context, proc crawler.Procedure, link crawler.ProjectLink) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event":            "procedure.upserted",
		"procedure_id":     proc.ID,
		"project_id":       link.ProjectID,
		"municipality_key": proc.MunicipalityKey,
		"procedure_type":   proc.ProcedureType,
		"relevant":         proc.Relevant,
		"confidence":       proc.Confidence,
		"content_hash":     proc.ContentHash,
		"url":              proc.URL,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("procedure upsert publish failed",
			zap.String("procedure_id", proc.ID), zap.Error(err))
	}
}

// skipCandidate records a rejected candidate: audit row, candidate status and
// the skip reason logged verbatim.
func (w *Worker) skipCandidate(ctx context.Context, job crawler.JobPayload, cand crawler.Candidate, reason string, httpStatus int, stats *crawler.CrawlStats) error {
	w.logger.Info(reason,
		zap.String("run_id", job.RunID),
		zap.String("municipality", cand.MunicipalityKey),
		zap.String("candidate", cand.ID),
		zap.String("url", cand.URL),
	)

	now := w.deps.Clock.Now().UTC()
	w.insertAudit(ctx, crawler.SourceRecord{
		RunID:           job.RunID,
		MunicipalityKey: cand.MunicipalityKey,
		SourceType:      cand.Source,
		URL:             cand.URL,
		Status:          crawler.SourceStatusOK,
		HTTPStatus:      httpStatus,
		SkipReason:      reason,
		FetchedAt:       now,
	})
	if err := w.deps.Store.UpdateCandidateStatus(ctx, cand.ID, crawler.CandidateSkipped, reason, ""); err != nil {
		w.logger.Warn("candidate status update failed",
			zap.String("candidate", cand.ID), zap.Error(err))
	}

	stats.ProceduresSkipped++
	metrics.ObserveProcedureSkipped(reason)
	w.emit(progress.Event{
		RunID:            job.RunID,
		TS:               now,
		Stage:            progress.StageCandidateSkipped,
		MunicipalityKey:  cand.MunicipalityKey,
		MunicipalityName: cand.MunicipalityName,
		Source:           cand.Source,
		URL:              cand.URL,
		Note:             reason,
	})
	return nil
}

// failCandidate records a hard extraction failure (network, resolver, store).
func (w *Worker) failCandidate(ctx context.Context, job crawler.JobPayload, cand crawler.Candidate, status crawler.SourceStatus, message string, httpStatus int, stats *crawler.CrawlStats) {
	now := w.deps.Clock.Now().UTC()
	w.insertAudit(ctx, crawler.SourceRecord{
		RunID:           job.RunID,
		MunicipalityKey: cand.MunicipalityKey,
		SourceType:      cand.Source,
		URL:             cand.URL,
		Status:          status,
		HTTPStatus:      httpStatus,
		ErrorMessage:    message,
		FetchedAt:       now,
	})
	if err := w.deps.Store.UpdateCandidateStatus(ctx, cand.ID, crawler.CandidateError, "", message); err != nil {
		w.logger.Warn("candidate status update failed",
			zap.String("candidate", cand.ID), zap.Error(err))
	}
	stats.Errors++
	w.emit(progress.Event{
		RunID:            job.RunID,
		TS:               now,
		Stage:            progress.StageError,
		MunicipalityKey:  cand.MunicipalityKey,
		MunicipalityName: cand.MunicipalityName,
		Source:           cand.Source,
		URL:              cand.URL,
		Note:             message,
	})
}

func (w *Worker) insertAudit(ctx context.Context, rec crawler.SourceRecord) {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		id = fmt.Sprintf("%s-%s-%s", rec.RunID, rec.MunicipalityKey, rec.SourceType)
	}
	rec.ID = id
	if err := w.deps.Store.InsertAuditSource(ctx, rec); err != nil {
		w.logger.Warn("audit source insert failed",
			zap.String("municipality", rec.MunicipalityKey),
			zap.String("url", rec.URL),
			zap.Error(err),
		)
	}
}

// fetchPDF downloads one attachment, applying the fast-mode size guard, and
// hands the body to ingestPDF.
func (w *Worker) fetchPDF(ctx context.Context, mode crawler.RunMode, cand crawler.Candidate, docURL string, stats *crawler.CrawlStats) (string, crawler.DocumentRecord, bool) {
	if mode == crawler.ModeFast && cand.PrefilterScore < w.cfg.PrefilterBypass {
		head, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
			URL:        docURL,
			Method:     http.MethodHead,
			RISContext: cand.Source == crawler.SourceRIS,
		})
		if err == nil {
			if n, perr := strconv.ParseInt(head.Header.Get("Content-Length"), 10, 64); perr == nil && n > w.cfg.MaxPDFBytes {
				stats.PDFsSkipped++
				metrics.ObservePDFSkipped("too_large")
				w.logger.Debug("pdf skipped by size guard",
					zap.String("url", docURL), zap.Int64("content_length", n))
				return "", crawler.DocumentRecord{}, false
			}
		}
	}

	var maxBody int64
	if mode == crawler.ModeFast {
		maxBody = w.cfg.MaxPDFBytes
	}
	fetchStart := w.deps.Clock.Now()
	resp, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:          docURL,
		RISContext:   cand.Source == crawler.SourceRIS,
		MaxBodyBytes: maxBody,
	})
	stats.FetchPDFMs += w.deps.Clock.Now().Sub(fetchStart).Milliseconds()
	if err != nil || resp.StatusCode != http.StatusOK {
		stats.PDFsSkipped++
		metrics.ObservePDFSkipped("fetch_failed")
		w.logger.Warn("pdf fetch failed",
			zap.String("url", docURL), zap.Error(err))
		return "", crawler.DocumentRecord{}, false
	}
	return w.ingestPDF(ctx, mode, docURL, resp.Body, stats)
}

// ingestPDF hashes and stores the document body, then extracts its text.
// Extraction failures still yield a document record with TextExtracted=false.
func (w *Worker) ingestPDF(ctx context.Context, mode crawler.RunMode, docURL string, data []byte, stats *crawler.CrawlStats) (string, crawler.DocumentRecord, bool) {
	sha, err := w.deps.Hasher.Hash(data)
	if err != nil {
		w.logger.Warn("pdf hash failed", zap.String("url", docURL), zap.Error(err))
		return "", crawler.DocumentRecord{}, false
	}

	storagePath := fmt.Sprintf("docs/%s/%s.pdf", sha[:2], sha)
	uri, err := w.deps.Blobs.PutObject(ctx, storagePath, "application/pdf", data)
	if err != nil {
		w.logger.Warn("pdf blob store failed",
			zap.String("url", docURL), zap.String("path", storagePath), zap.Error(err))
		uri = ""
	}

	docID, err := w.deps.IDs.NewID()
	if err != nil {
		docID = sha
	}
	doc := crawler.DocumentRecord{
		ID:          docID,
		URL:         docURL,
		SHA256:      sha,
		ContentType: "application/pdf",
		StoragePath: uri,
		SizeBytes:   int64(len(data)),
		FetchedAt:   w.deps.Clock.Now().UTC(),
	}

	if w.deps.PDF == nil {
		// No extractor available (pdftotext missing); keep the document.
		stats.PDFsSkipped++
		metrics.ObservePDFSkipped("no_extractor")
		return "", doc, true
	}

	extractStart := w.deps.Clock.Now()
	res, err := w.deps.PDF.Extract(ctx, crawler.PDFExtractRequest{
		URL:  docURL,
		Data: data,
		Mode: mode,
	})
	stats.ExtractPDFMs += w.deps.Clock.Now().Sub(extractStart).Milliseconds()

	doc.PageCount = res.TotalPages
	doc.OCRNeeded = res.OCRNeeded
	if err != nil {
		reason := "extract_failed"
		if errors.Is(err, pdf.ErrEncrypted) {
			reason = "encrypted"
		}
		stats.PDFsSkipped++
		metrics.ObservePDFSkipped(reason)
		w.logger.Warn("pdf text extraction failed",
			zap.String("url", docURL), zap.Error(err))
		return "", doc, true
	}

	doc.TextExtracted = res.Text != ""
	stats.PDFsDownloaded++
	metrics.ObservePDFPages(res.PagesExtracted)
	return res.Text, doc, true
}

// isPDFResponse reports whether a fetched page is itself a PDF document.
func isPDFResponse(resp crawler.FetchResponse) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(ct), "application/pdf") {
		return true
	}
	if len(resp.Body) >= 5 && string(resp.Body[:5]) == "%PDF-" {
		return true
	}
	u, err := url.Parse(resp.URL)
	return err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

// htmlText strips markup from a fetched page. Script, style and noscript
// bodies are removed before text extraction; unparseable HTML falls back to
// the raw bytes.
func htmlText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return string(body)
	}
	doc.Find("script, style, noscript").Remove()
	return strings.TrimSpace(doc.Text())
}

// attachmentLinks scans a RIS detail page for document links. Used once per
// candidate when discovery produced no doc URLs but the title carries a
// privileged term.
func attachmentLinks(body []byte, baseURL string, limit int) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		lower := strings.ToLower(href)
		matched := false
		for _, marker := range risAttachmentMarkers {
			if strings.Contains(lower, marker) {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
		resolved := href
		if base != nil {
			if ref, perr := url.Parse(href); perr == nil {
				resolved = base.ResolveReference(ref).String()
			}
		}
		if _, dup := seen[resolved]; dup {
			return true
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
		return len(links) < limit
	})
	return links
}
