// Package limits computes visit counters and decides the initial
// validation status of a visit before the flag rules run.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/curlew/internal/domain"
)

// Input carries the resolved context the evaluator needs for one visit.
type Input struct {
	Opportunity     *domain.Opportunity
	Enrollment      *domain.WorkerEnrollment
	DeliverableType *domain.DeliverableType
	PaymentUnit     *domain.PaymentUnit

	EntityID  string
	VisitDate time.Time
	Today     time.Time
}

// Decision is the outcome of the limit evaluation. CompletedWork is nil
// exactly when Status is trial.
type Decision struct {
	Status        domain.VisitStatus
	CompletedWork *domain.CompletedWork
	Counts        domain.VisitCounts
}

// Evaluator applies daily, total, and per-entity visit caps.
type Evaluator struct{}

// NewEvaluator creates a limit evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate runs the limit checks against the given transaction-scoped
// store. The caller must hold the enrollment lock so the counters cannot
// move between the read and the visit insert.
func (e *Evaluator) Evaluate(ctx context.Context, tx domain.Store, in *Input) (*Decision, error) {
	day := in.Today.UTC().Truncate(24 * time.Hour)

	// A visit before the opportunity or payment unit opens accrues
	// nothing and attaches to no aggregate.
	if in.Opportunity.StartDate.After(day) || in.PaymentUnit.StartDate.After(day) {
		return &Decision{Status: domain.VisitTrial}, nil
	}

	work, err := tx.GetOrCreateCompletedWork(ctx, in.Enrollment.ID, in.EntityID, in.PaymentUnit.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed work: %w", err)
	}

	counts, err := tx.CountVisits(ctx, in.Enrollment.ID, in.DeliverableType.ID, in.EntityID, in.VisitDate)
	if err != nil {
		return nil, fmt.Errorf("failed to count visits: %w", err)
	}

	decision := &Decision{
		CompletedWork: work,
		Counts:        counts,
	}

	over, err := e.overLimit(ctx, tx, in, counts, day)
	if err != nil {
		return nil, err
	}

	switch {
	case over:
		decision.Status = domain.VisitOverLimit
		// One over-limit visit starves the whole aggregate.
		if work.Status != domain.WorkOverLimit {
			if err := tx.UpdateCompletedWorkStatus(ctx, work.ID, domain.WorkOverLimit); err != nil {
				return nil, fmt.Errorf("failed to mark completed work over limit: %w", err)
			}
			work.Status = domain.WorkOverLimit
		}
	case counts.Entity > 0:
		decision.Status = domain.VisitDuplicate
	default:
		decision.Status = domain.VisitPending
	}

	return decision, nil
}

// overLimit checks the daily and total caps and the claim window.
// A worker with no claim on record has accepted no ceiling beyond the
// payment unit's own caps.
func (e *Evaluator) overLimit(ctx context.Context, tx domain.Store, in *Input, counts domain.VisitCounts, day time.Time) (bool, error) {
	if in.PaymentUnit.MaxDaily > 0 && counts.Daily >= in.PaymentUnit.MaxDaily {
		return true, nil
	}

	maxTotal := in.PaymentUnit.MaxTotal

	claim, err := tx.GetClaim(ctx, in.Enrollment.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return maxTotal > 0 && counts.Total >= maxTotal, nil
		}
		return false, fmt.Errorf("failed to load claim: %w", err)
	}

	limit, err := tx.GetClaimLimit(ctx, claim.ID, in.DeliverableType.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("failed to load claim limit: %w", err)
	}
	if limit != nil {
		maxTotal = limit.MaxVisits
	}

	if maxTotal > 0 && counts.Total >= maxTotal {
		return true, nil
	}
	if claim.EndsBefore(limit, day) {
		return true, nil
	}
	return false, nil
}
