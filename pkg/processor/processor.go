package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/tms-tools/ticket-archiver/pkg/audit"
	"github.com/tms-tools/ticket-archiver/pkg/config"
	"github.com/tms-tools/ticket-archiver/pkg/dispatch"
	"github.com/tms-tools/ticket-archiver/pkg/events"
	"github.com/tms-tools/ticket-archiver/pkg/history"
	"github.com/tms-tools/ticket-archiver/pkg/idempotency"
	"github.com/tms-tools/ticket-archiver/pkg/log"
	"github.com/tms-tools/ticket-archiver/pkg/metrics"
	"github.com/tms-tools/ticket-archiver/pkg/notes"
	"github.com/tms-tools/ticket-archiver/pkg/pathpolicy"
	"github.com/tms-tools/ticket-archiver/pkg/render"
	"github.com/tms-tools/ticket-archiver/pkg/retry"
	"github.com/tms-tools/ticket-archiver/pkg/snapshot"
	"github.com/tms-tools/ticket-archiver/pkg/storage"
	"github.com/tms-tools/ticket-archiver/pkg/tagstate"
	"github.com/tms-tools/ticket-archiver/pkg/tms"
)

// TicketAPI is the slice of the upstream client the orchestrator needs.
type TicketAPI interface {
	GetTicket(ctx context.Context, ticketID int64) (*tms.Ticket, error)
	ListTags(ctx context.Context, ticketID int64) ([]string, error)
	ListArticles(ctx context.Context, ticketID int64) ([]tms.Article, error)
	AddTag(ctx context.Context, ticketID int64, tag string) error
	RemoveTag(ctx context.Context, ticketID int64, tag string) error
	CreateInternalNote(ctx context.Context, ticketID int64, subject, bodyHTML string) error
	GetAttachment(ctx context.Context, ticketID, articleID, attachmentID int64) ([]byte, error)
}

// Locker serialises jobs per ticket. The process-local and the
// redis-backed lock both satisfy it.
type Locker interface {
	TryAcquire(ctx context.Context, ticketID int64) (release func(context.Context), ok bool, err error)
}

// LocalLocker adapts the in-process in-flight set to the Locker interface.
type LocalLocker struct {
	Set *idempotency.InFlight
}

func (l LocalLocker) TryAcquire(_ context.Context, ticketID int64) (func(context.Context), bool, error) {
	release, ok := l.Set.TryAcquire(ticketID)
	if !ok {
		return nil, false, nil
	}
	return func(context.Context) { release() }, true, nil
}

// DocumentSigner signs a rendered PDF.
type DocumentSigner interface {
	Sign(ctx context.Context, pdf []byte) ([]byte, error)
	Fingerprint() string
}

// Options wires the orchestrator's collaborators. The lock and the
// delivery registry are injected so the lock-before-claim ordering is
// testable.
type Options struct {
	Config     *config.Config
	TMS        TicketAPI
	Renderer   render.Renderer
	Signer     DocumentSigner // nil disables signing
	TSAUsed    bool
	Storage    *storage.Writer
	Locks      Locker
	Deliveries idempotency.DeliveryRegistry // nil disables dedup
	History    history.Store                // nil records nothing
	Broker     *events.Broker               // nil publishes nothing
	Version    string
	Now        func() time.Time
}

// Job statuses reported by Process.
const (
	StatusProcessed          = "processed"
	StatusSkippedInFlight    = "skipped_in_flight"
	StatusSkippedDuplicate   = "skipped_idempotency"
	StatusSkippedNotEligible = "skipped_not_triggered"
	StatusFailedTransient    = "failed_transient"
	StatusFailedPermanent    = "failed_permanent"
)

// Processor runs the accepted-then-processed pipeline for one ticket at a
// time per ticket id.
type Processor struct {
	cfg        *config.Config
	tms        TicketAPI
	renderer   render.Renderer
	signer     DocumentSigner
	tsaUsed    bool
	store      *storage.Writer
	locks      Locker
	deliveries idempotency.DeliveryRegistry
	history    history.Store
	broker     *events.Broker
	notes      *notes.Builder
	tags       tagstate.Tags
	version    string
	now        func() time.Time
	logger     zerolog.Logger
}

// New builds a Processor from its collaborators.
func New(opts Options) (*Processor, error) {
	if opts.Config == nil {
		return nil, errors.New("processor requires a config")
	}
	if opts.TMS == nil || opts.Renderer == nil || opts.Storage == nil || opts.Locks == nil {
		return nil, errors.New("processor requires tms client, renderer, storage, and locks")
	}
	if opts.History == nil {
		opts.History = history.NopStore{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	wf := opts.Config.Workflow
	return &Processor{
		cfg:        opts.Config,
		tms:        opts.TMS,
		renderer:   opts.Renderer,
		signer:     opts.Signer,
		tsaUsed:    opts.TSAUsed,
		store:      opts.Storage,
		locks:      opts.Locks,
		deliveries: opts.Deliveries,
		history:    opts.History,
		broker:     opts.Broker,
		notes:      &notes.Builder{Version: opts.Version, TriggerTag: wf.TriggerTag},
		tags: tagstate.Tags{
			Trigger:    wf.TriggerTag,
			Processing: wf.ProcessingTag,
			Done:       wf.DoneTag,
			Error:      wf.ErrorTag,
		},
		version: opts.Version,
		now:     opts.Now,
		logger:  log.WithComponent("processor"),
	}, nil
}

// Process runs one job end to end and is the handler given to the
// dispatcher. Skips return nil; failures return the classified error so a
// queue backend can decide whether to retry.
func (p *Processor) Process(ctx context.Context, job dispatch.Job) error {
	logger := p.logger.With().
		Int64("ticket_id", job.TicketID).
		Str("delivery_id", job.DeliveryID).
		Str("request_id", job.RequestID).
		Logger()

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	release, ok, err := p.locks.TryAcquire(ctx, job.TicketID)
	if err != nil {
		logger.Error().Err(err).Msg("Ticket lock acquisition failed")
		failure := retry.NewTransient(retry.CodeUnknown, err)
		p.recordHistory(ctx, history.StatusFailed, job, failure, "ticket lock acquisition failed")
		return failure
	}
	if !ok {
		logger.Info().Msg("Skipping ticket already in flight")
		metrics.JobsSkipped.WithLabelValues("in_flight").Inc()
		p.recordHistory(ctx, history.StatusSkipped, job, nil, StatusSkippedInFlight)
		p.publish(events.EventJobSkipped, job, StatusSkippedInFlight)
		return nil
	}
	// The release must survive a cancelled job context.
	defer release(context.WithoutCancel(ctx))

	// The delivery claim happens after the lock so an in-flight skip never
	// consumes the delivery id.
	if job.DeliveryID != "" && p.deliveries != nil {
		fresh, err := p.deliveries.Claim(ctx, job.DeliveryID)
		if err != nil {
			// Dedup is an optimisation; losing it must not lose the job.
			logger.Warn().Err(err).Msg("Delivery claim failed, processing anyway")
		} else if !fresh {
			logger.Info().Msg("Skipping duplicate delivery")
			metrics.JobsSkipped.WithLabelValues("duplicate_delivery").Inc()
			p.recordHistory(ctx, history.StatusSkipped, job, nil, StatusSkippedDuplicate)
			p.publish(events.EventJobSkipped, job, StatusSkippedDuplicate)
			return nil
		}
	}

	p.publish(events.EventJobStarted, job, "")
	timer := metrics.NewTimer()
	status, err := p.run(ctx, logger, job)

	switch status {
	case StatusProcessed:
		metrics.JobsProcessed.Inc()
		timer.ObserveDuration(metrics.JobDuration)
		p.recordHistory(ctx, history.StatusCompleted, job, nil, "")
		p.publish(events.EventJobCompleted, job, "")
	case StatusSkippedNotEligible:
		metrics.JobsSkipped.WithLabelValues("not_triggered").Inc()
		p.recordHistory(ctx, history.StatusSkipped, job, nil, StatusSkippedNotEligible)
		p.publish(events.EventJobSkipped, job, StatusSkippedNotEligible)
	default:
		timer.ObserveDuration(metrics.JobDuration)
	}
	return err
}

// run executes the pipeline and funnels every failure through one
// classification and cleanup path.
func (p *Processor) run(ctx context.Context, logger zerolog.Logger, job dispatch.Job) (string, error) {
	status, err := p.pipeline(ctx, logger, job)
	if err == nil {
		return status, nil
	}

	failure := retry.Classify(err)

	if failure.Class == retry.Cancelled {
		// Shutdown or caller cancellation: repair the processing tag,
		// post nothing, and re-propagate.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if tagErr := p.tms.RemoveTag(cleanupCtx, job.TicketID, p.tags.Processing); tagErr != nil {
			logger.Error().Err(tagErr).Msg("Processing tag cleanup after cancellation failed")
		}
		logger.Warn().Msg("Job cancelled")
		return StatusFailedTransient, failure
	}

	metrics.JobsFailed.WithLabelValues(string(failure.Code), failure.Class.String()).Inc()
	logger.Error().
		Err(failure).
		Str("classification", failure.Class.String()).
		Str("code", string(failure.Code)).
		Msg("Ticket processing failed")

	p.postErrorNote(ctx, job, failure)
	p.applyErrorState(ctx, logger, job, failure)

	status = StatusFailedPermanent
	if failure.Class == retry.Transient {
		status = StatusFailedTransient
	}
	p.recordHistory(ctx, history.StatusFailed, job, failure, "")
	p.publish(events.EventJobFailed, job, string(failure.Code))
	return status, failure
}

func (p *Processor) pipeline(ctx context.Context, logger zerolog.Logger, job dispatch.Job) (string, error) {
	fetchTimer := metrics.NewTimer()
	tags, err := p.tms.ListTags(ctx, job.TicketID)
	if err != nil {
		return "", err
	}
	if !tagstate.ShouldProcess(tags, p.tags, p.cfg.Workflow.RequireTriggerTag) {
		logger.Info().Strs("tags", tags).Msg("Skipping ticket without trigger state")
		return StatusSkippedNotEligible, nil
	}

	if err := tagstate.Apply(ctx, p.tms, job.TicketID, tagstate.ProcessingTransition(p.tags)); err != nil {
		return "", err
	}

	ticket, err := p.tms.GetTicket(ctx, job.TicketID)
	if err != nil {
		return "", err
	}
	articles, err := p.tms.ListArticles(ctx, job.TicketID)
	if err != nil {
		return "", err
	}
	fetchTimer.ObserveDurationVec(metrics.StageDuration, "fetch")

	snap, err := snapshot.Build(ticket, tags, articles, snapshot.Options{
		MaxArticles: p.cfg.PDF.MaxArticles,
		LimitMode:   p.cfg.PDF.ArticleLimitMode,
	})
	if err != nil {
		return "", err
	}
	attCfg := p.cfg.Storage.Attachments
	snapshot.EnrichAttachments(ctx, snap, p.tms, snapshot.EnrichOptions{
		IncludeBinary:    attCfg.Enabled,
		MaxBytesPerFile:  attCfg.MaxBytesPerFile,
		MaxTotalBytes:    attCfg.MaxTotalBytes,
		FetchConcurrency: attCfg.FetchConcurrency,
	})

	fields := ticket.CustomFields()
	username, err := DetermineUsername(ticket, job.Payload, fields,
		p.cfg.Fields.ArchiveUserMode, p.cfg.Fields.ArchiveUser)
	if err != nil {
		return "", retry.NewPermanent(retry.CodePathPolicy, err)
	}
	segments, err := pathpolicy.ParseArchivePath(fields[p.cfg.Fields.ArchivePath])
	if err != nil {
		return "", retry.NewPermanent(retry.CodePathPolicy, err)
	}

	now := p.now().UTC()
	targetDir, err := pathpolicy.BuildTargetDir(p.cfg.Storage.Root, username, segments,
		p.cfg.Storage.PathPolicy.AllowPrefixes)
	if err != nil {
		return "", retry.NewPermanent(retry.CodePathPolicy, err)
	}
	filename, err := pathpolicy.BuildFilename(p.cfg.Storage.PathPolicy.FilenamePattern,
		ticket.Number, now.Format("2006-01-02"))
	if err != nil {
		return "", retry.NewPermanent(retry.CodePathPolicy, err)
	}

	renderTimer := metrics.NewTimer()
	pdf, err := p.renderer.Render(ctx, snap)
	if err != nil {
		return "", err
	}
	renderTimer.ObserveDurationVec(metrics.StageDuration, "render")

	if p.signer != nil {
		signTimer := metrics.NewTimer()
		pdf, err = p.signer.Sign(ctx, pdf)
		if err != nil {
			return "", err
		}
		signTimer.ObserveDurationVec(metrics.StageDuration, "sign")
	}
	metrics.PDFBytes.Observe(float64(len(pdf)))

	targetPath := filepath.Join(targetDir, filename)
	sidecarPath := targetPath + ".json"
	sha := audit.SHA256Hex(pdf)

	archAtts, auditAtts := p.collectAttachments(snap, targetDir)
	fingerprint := ""
	if p.signer != nil {
		fingerprint = p.signer.Fingerprint()
	}
	record := audit.Build(audit.Params{
		TicketID:        ticket.ID,
		TicketNumber:    ticket.Number,
		Title:           ticket.Title,
		CreatedAt:       now,
		StoragePath:     targetPath,
		SHA256:          sha,
		SigningEnabled:  p.signer != nil,
		TSAUsed:         p.tsaUsed,
		CertFingerprint: fingerprint,
		ServiceVersion:  p.version,
		Attachments:     auditAtts,
	})
	sidecar, err := record.Encode()
	if err != nil {
		return "", retry.NewPermanent(retry.CodeStorage, err)
	}

	storeTimer := metrics.NewTimer()
	if err := p.store.CommitArchive(ticket.ID, storage.Archive{
		TargetPath:  targetPath,
		SidecarPath: sidecarPath,
		PDF:         pdf,
		Sidecar:     sidecar,
		Attachments: archAtts,
	}); err != nil {
		return "", err
	}
	storeTimer.ObserveDurationVec(metrics.StageDuration, "store")

	if p.cfg.Workflow.AcknowledgeOnSuccess {
		body := p.notes.Success(notes.SuccessParams{
			StorageDir:   targetDir,
			Filename:     filename,
			SidecarPath:  sidecarPath,
			SizeBytes:    int64(len(pdf)),
			SHA256:       sha,
			RequestID:    job.RequestID,
			DeliveryID:   job.DeliveryID,
			TimestampUTC: audit.FormatTimestampUTC(now),
		})
		if err := p.tms.CreateInternalNote(ctx, job.TicketID, notes.SuccessSubject, body); err != nil {
			return "", err
		}
	}

	p.applyDoneBestEffort(ctx, logger, job.TicketID)

	logger.Info().
		Str("storage_path", targetPath).
		Int("size_bytes", len(pdf)).
		Msg("Ticket archived")
	return StatusProcessed, nil
}

// collectAttachments turns enriched snapshot attachments into staged
// archive files plus their audit records. Names are prefixed with article
// and attachment ids so same-named files never collide.
func (p *Processor) collectAttachments(snap *snapshot.Snapshot, targetDir string) ([]storage.Attachment, []audit.AttachmentRecord) {
	var files []storage.Attachment
	var records []audit.AttachmentRecord
	for _, article := range snap.Articles {
		for _, att := range article.Attachments {
			if att.Content == nil {
				continue
			}
			name := fmt.Sprintf("%d-%d-%s", att.ArticleID, att.AttachmentID,
				pathpolicy.SanitizeSegment(att.Filename))
			files = append(files, storage.Attachment{Name: name, Data: att.Content})
			records = append(records, audit.AttachmentRecord{
				ArticleID:    att.ArticleID,
				AttachmentID: att.AttachmentID,
				Filename:     att.Filename,
				SHA256:       audit.SHA256Hex(att.Content),
				StoragePath:  filepath.Join(targetDir, "attachments", name),
			})
		}
	}
	return files, records
}

// applyDoneBestEffort retries the terminal transition a few times; a
// ticket that archived fine must not fail the job over a tag write.
func (p *Processor) applyDoneBestEffort(ctx context.Context, logger zerolog.Logger, ticketID int64) {
	tr := tagstate.DoneTransition(p.tags)
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(500 * time.Millisecond << (attempt - 1)):
			case <-ctx.Done():
				logger.Error().Err(ctx.Err()).Msg("Done transition abandoned on cancellation")
				return
			}
		}
		if err = tagstate.Apply(ctx, p.tms, ticketID, tr); err == nil {
			return
		}
	}
	logger.Error().Err(err).Msg("Done transition failed after retries")
	if tagErr := p.tms.RemoveTag(ctx, ticketID, p.tags.Processing); tagErr != nil {
		logger.Error().Err(tagErr).Msg("Processing tag cleanup failed")
	}
}

func (p *Processor) postErrorNote(ctx context.Context, job dispatch.Job, failure *retry.Failure) {
	body := p.notes.Error(notes.ErrorParams{
		Failure:      failure,
		RequestID:    job.RequestID,
		DeliveryID:   job.DeliveryID,
		TimestampUTC: audit.FormatTimestampUTC(p.now().UTC()),
	})
	if err := p.tms.CreateInternalNote(ctx, job.TicketID, notes.ErrorSubject, body); err != nil {
		deliveryLogger := log.WithDeliveryID(job.DeliveryID)
		deliveryLogger.Error().Err(err).Int64("ticket_id", job.TicketID).Msg("Error note failed")
	}
}

// applyErrorState moves the ticket to the error state, keeping the trigger
// on transient failures so the next delivery retries. The transition gets
// one retry; if it still fails the processing tag is removed so the ticket
// is not stuck mid-state.
func (p *Processor) applyErrorState(ctx context.Context, logger zerolog.Logger, job dispatch.Job, failure *retry.Failure) {
	tr := tagstate.ErrorTransition(p.tags, failure.Class == retry.Transient)

	err := tagstate.Apply(ctx, p.tms, job.TicketID, tr)
	if err != nil {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
		}
		err = tagstate.Apply(ctx, p.tms, job.TicketID, tr)
	}
	if err == nil {
		return
	}
	logger.Error().Err(err).Msg("Error transition failed")
	if tagErr := p.tms.RemoveTag(ctx, job.TicketID, p.tags.Processing); tagErr != nil {
		logger.Error().Err(tagErr).Msg("Processing tag cleanup failed")
	}
}

func (p *Processor) recordHistory(ctx context.Context, status string, job dispatch.Job, failure *retry.Failure, message string) {
	ev := history.Event{
		Status:     status,
		TicketID:   job.TicketID,
		Message:    message,
		DeliveryID: job.DeliveryID,
		RequestID:  job.RequestID,
		CreatedAt:  p.now().UTC(),
	}
	if failure != nil {
		ev.Classification = failure.Class.String()
		ev.Code = string(failure.Code)
		if ev.Message == "" {
			ev.Message = failure.Error()
		}
	}
	if err := p.history.Record(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Debug().Err(err).Int64("ticket_id", job.TicketID).Msg("History record failed")
	}
}

func (p *Processor) publish(eventType events.EventType, job dispatch.Job, message string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(events.NewJobEvent(eventType, job.TicketID, job.DeliveryID, message))
}
