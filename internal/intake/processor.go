// Package intake sequences the visit pipeline: resolve, limit-check, flag,
// persist, aggregate, then fire post-commit effects.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/limits"
	"github.com/fieldworks/curlew/internal/resolver"
	"github.com/fieldworks/curlew/internal/rules"
)

// PaymentRecomputer recomputes a worker's payment accrual after a visit
// commits. Called synchronously; a failure here is logged, never propagated,
// because the visit is already durable.
type PaymentRecomputer interface {
	Recompute(ctx context.Context, opportunityID string, workerIDs []string) error
}

// LearnRecorder persists module completions and assessment scores for the
// learn branch of a resolution. Runs inside the intake transaction.
type LearnRecorder interface {
	Record(ctx context.Context, tx domain.Store, branch *resolver.Branch, sub *domain.Submission) error
}

// Processor is the transaction orchestrator.
type Processor struct {
	repo     domain.Repository
	resolver *resolver.Resolver
	limits   *limits.Evaluator
	custom   *rules.CustomEngine
	bus      domain.EventBus
	payments PaymentRecomputer
	learn    LearnRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock fixes the processor's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
		p.resolver = resolver.NewAt(now)
	}
}

// WithLearnRecorder replaces the default assessment recorder.
func WithLearnRecorder(l LearnRecorder) Option {
	return func(p *Processor) { p.learn = l }
}

// NewProcessor wires the pipeline. bus and payments may be nil; the
// corresponding post-commit effects are then skipped.
func NewProcessor(repo domain.Repository, custom *rules.CustomEngine, bus domain.EventBus, payments PaymentRecomputer, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		repo:     repo,
		resolver: resolver.New(),
		limits:   limits.NewEvaluator(),
		custom:   custom,
		bus:      bus,
		payments: payments,
		learn:    &assessmentRecorder{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result reports what one submission produced.
type Result struct {
	// Duplicate is true when the submission id was already processed and
	// the call was a no-op.
	Duplicate bool

	// Visit is the created visit, nil for learn-only or no-op submissions.
	Visit *domain.Visit
}

// effects are the post-commit side effects collected inside the
// transaction and run only after a successful commit.
type effects struct {
	opportunityID string
	workerID      string
	attachmentJob *domain.AttachmentJob
	created       *domain.VisitCreatedEvent
}

// ProcessSubmission runs the full pipeline for one submission. Steps from
// resolution through aggregate update execute inside a single transaction;
// redelivery of a known submission id commits nothing and succeeds.
func (p *Processor) ProcessSubmission(ctx context.Context, sub *domain.Submission) (*Result, error) {
	if sub.SubmissionID == "" {
		return nil, fmt.Errorf("%w: submission id is required", domain.ErrInvalidSubmission)
	}

	res := &Result{}
	var fx *effects

	err := p.repo.InTx(ctx, func(tx domain.Store) error {
		resolution, err := p.resolver.Resolve(ctx, tx, sub)
		if err != nil {
			return err
		}

		if resolution.Deliver != nil {
			visit, eff, err := p.processDeliver(ctx, tx, resolution, sub)
			if err != nil {
				if errors.Is(err, domain.ErrAlreadyProcessed) {
					res.Duplicate = true
					return nil
				}
				return err
			}
			res.Visit = visit
			fx = eff
		}

		if resolution.Learn != nil {
			if err := p.learn.Record(ctx, tx, resolution.Learn, sub); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if fx != nil {
		p.runEffects(ctx, fx)
	}
	return res, nil
}

// processDeliver handles the deliver branch: one visit per submission,
// built from the first deliver block in the form.
func (p *Processor) processDeliver(ctx context.Context, tx domain.Store, resolution *resolver.Resolution, sub *domain.Submission) (*domain.Visit, *effects, error) {
	blocks := sub.DeliverBlocks()
	if len(blocks) == 0 {
		return nil, nil, nil
	}
	block := blocks[0]
	if len(blocks) > 1 {
		p.logger.Warn("submission carries multiple deliver blocks, processing first",
			"submission_id", sub.SubmissionID,
			"blocks", len(blocks))
	}

	opp := resolution.Deliver.Opportunity
	enrollment := resolution.Deliver.Enrollment

	// Serialize concurrent intakes for this worker around the limit
	// counters.
	if err := tx.LockEnrollment(ctx, enrollment.ID); err != nil {
		return nil, nil, fmt.Errorf("failed to lock enrollment: %w", err)
	}

	// Idempotency gate: a known submission id is a no-op success. Must run
	// under the enrollment lock: a concurrent redelivery then waits for the
	// first transaction to commit and sees its visit row here, instead of
	// racing to the unique submission_id index.
	if _, err := tx.GetVisitBySubmissionID(ctx, sub.SubmissionID); err == nil {
		return nil, nil, domain.ErrAlreadyProcessed
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed idempotency check: %w", err)
	}

	dt, pu, err := p.resolver.ResolveDeliverable(ctx, tx, resolution.Application, block.DeliverUnit)
	if err != nil {
		return nil, nil, err
	}

	decision, err := p.limits.Evaluate(ctx, tx, &limits.Input{
		Opportunity:     opp,
		Enrollment:      enrollment,
		DeliverableType: dt,
		PaymentUnit:     pu,
		EntityID:        block.EntityID,
		VisitDate:       sub.VisitDate(),
		Today:           p.now().UTC(),
	})
	if err != nil {
		return nil, nil, err
	}

	visit := &domain.Visit{
		ID:                uuid.New().String(),
		OpportunityID:     opp.ID,
		WorkerID:          resolution.Worker.ID,
		EnrollmentID:      enrollment.ID,
		DeliverableTypeID: dt.ID,
		EntityID:          block.EntityID,
		EntityName:        block.EntityName,
		VisitDate:         sub.VisitDate(),
		SubmissionID:      sub.SubmissionID,
		AppBuildID:        sub.BuildID,
		AppBuildVersion:   sub.Metadata.AppBuildVersion,
		Form:              sub.Form,
		LocationRaw:       sub.Metadata.Location,
		Status:            decision.Status,
		ReviewStatus:      domain.ReviewPending,
		CreatedAt:         p.now().UTC(),
	}

	// Trial visits exist but accrue nothing; the flag battery does not
	// run against them so the trial/no-aggregate invariant holds.
	if decision.Status != domain.VisitTrial {
		visit.CompletedWorkID = decision.CompletedWork.ID

		if err := p.flagVisit(ctx, tx, visit, resolution, dt, block, sub, decision.Status); err != nil {
			return nil, nil, err
		}

		// Auto-approval applies only to clean pending visits.
		if opp.AutoApproveVisits && visit.Status == domain.VisitPending && !visit.Flagged {
			visit.Status = domain.VisitApproved
			visit.ReviewStatus = domain.ReviewAgree
		}
	}

	if err := tx.SaveVisit(ctx, visit); err != nil {
		return nil, nil, fmt.Errorf("failed to save visit: %w", err)
	}

	if visit.CompletedWorkID != "" {
		if err := p.advanceCompletedWork(ctx, tx, decision.CompletedWork); err != nil {
			return nil, nil, err
		}
	}

	fx := &effects{
		opportunityID: opp.ID,
		workerID:      resolution.Worker.ID,
		created: &domain.VisitCreatedEvent{
			VisitID:       visit.ID,
			OpportunityID: opp.ID,
			WorkerID:      resolution.Worker.ID,
			Status:        visit.Status,
			Flagged:       visit.Flagged,
		},
	}
	if len(sub.Attachments) > 0 {
		fx.attachmentJob = &domain.AttachmentJob{
			VisitID:      visit.ID,
			SubmissionID: sub.SubmissionID,
			Domain:       sub.Domain,
			Attachments:  sub.Attachments,
		}
	}
	return visit, fx, nil
}

// flagVisit runs the fixed flag battery plus the opportunity's custom CEL
// rules and applies the resulting status and flags to the visit.
func (p *Processor) flagVisit(ctx context.Context, tx domain.Store, visit *domain.Visit, resolution *resolver.Resolution, dt *domain.DeliverableType, block domain.DeliverBlock, sub *domain.Submission, status domain.VisitStatus) error {
	opp := resolution.Deliver.Opportunity
	enrollment := resolution.Deliver.Enrollment

	unitRule, err := tx.GetDeliverUnitFlagRule(ctx, opp.ID, dt.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to load deliver unit flag rule: %w", err)
	}
	valueRules, err := tx.ListFormValueRules(ctx, opp.ID, dt.ID)
	if err != nil {
		return fmt.Errorf("failed to load form value rules: %w", err)
	}
	catchments, err := tx.ListCatchmentAreas(ctx, enrollment.ID)
	if err != nil {
		return fmt.Errorf("failed to load catchment areas: %w", err)
	}

	engine := rules.NewFlagEngine(tx.ListVisitLocations)
	result, err := engine.Evaluate(ctx, &rules.FlagInput{
		Config:            opp.FlagConfig,
		UnitRule:          unitRule,
		ValueRules:        valueRules,
		Enrollment:        enrollment,
		Catchments:        catchments,
		Submission:        sub,
		DeliverableTypeID: dt.ID,
		EntityID:          block.EntityID,
		Status:            status,
	})
	if err != nil {
		return err
	}

	visit.Status = result.Status
	visit.FlagReasons = result.Flags

	if p.custom != nil {
		customRules, err := tx.ListCustomFlagRules(ctx, opp.ID)
		if err != nil {
			return fmt.Errorf("failed to load custom flag rules: %w", err)
		}
		if err := p.custom.LoadRules(opp.ID, customRules); err != nil {
			p.logger.Error("failed to compile custom flag rules",
				"opportunity_id", opp.ID, "error", err)
		} else {
			visit.FlagReasons = append(visit.FlagReasons, p.custom.Evaluate(opp.ID, sub, visit.Status)...)
		}
	}

	visit.Flagged = len(visit.FlagReasons) > 0
	return nil
}

// advanceCompletedWork moves a fresh aggregate to pending at the first sign
// of real progress. Later transitions belong to the review workflow.
func (p *Processor) advanceCompletedWork(ctx context.Context, tx domain.Store, work *domain.CompletedWork) error {
	if work.Status != domain.WorkIncomplete {
		return nil
	}
	n, err := tx.CountNonRejectedVisits(ctx, work.ID)
	if err != nil {
		return fmt.Errorf("failed to count visits for completed work: %w", err)
	}
	if n > 0 {
		if err := tx.UpdateCompletedWorkStatus(ctx, work.ID, domain.WorkPending); err != nil {
			return fmt.Errorf("failed to advance completed work: %w", err)
		}
	}
	return nil
}

// runEffects fires the post-commit side effects. The visit is durable at
// this point, so failures are logged and swallowed.
func (p *Processor) runEffects(ctx context.Context, fx *effects) {
	if p.payments != nil {
		if err := p.payments.Recompute(ctx, fx.opportunityID, []string{fx.workerID}); err != nil {
			p.logger.Error("payment recompute failed",
				"opportunity_id", fx.opportunityID,
				"worker_id", fx.workerID,
				"error", err)
		}
	}

	if p.bus == nil {
		return
	}
	if fx.created != nil {
		p.publish(ctx, domain.TopicVisitCreated, fx.created)
	}
	if fx.attachmentJob != nil {
		p.publish(ctx, domain.TopicVisitAttachments, fx.attachmentJob)
	}
}

func (p *Processor) publish(ctx context.Context, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, topic, data); err != nil {
		p.logger.Error("failed to publish event", "topic", topic, "error", err)
	}
}
