// Package worker provides the post-commit collaborators of the intake
// pipeline: payment accrual recomputation and attachment downloading.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fieldworks/curlew/internal/domain"
)

// Payments recomputes the approved-visit accrual for enrollments after a
// visit commits. Recompute is a full recount, so replays and concurrent
// calls converge on the same value.
type Payments struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
}

// NewPayments creates a payment recomputer.
func NewPayments(repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Payments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Payments{repo: repo, bus: bus, logger: logger}
}

// PaymentRecomputedEvent is published on TopicPaymentRecomputed.
type PaymentRecomputedEvent struct {
	OpportunityID  string `json:"opportunityId"`
	WorkerID       string `json:"workerId"`
	EnrollmentID   string `json:"enrollmentId"`
	ApprovedVisits int    `json:"approvedVisits"`
}

// Recompute recounts approved visits for each worker's enrollment in the
// opportunity and upserts the accrual row.
func (p *Payments) Recompute(ctx context.Context, opportunityID string, workerIDs []string) error {
	for _, workerID := range workerIDs {
		enrollment, err := p.repo.GetEnrollment(ctx, opportunityID, workerID)
		if err != nil {
			return fmt.Errorf("enrollment lookup for worker %s: %w", workerID, err)
		}

		approved, err := p.repo.CountApprovedVisits(ctx, enrollment.ID)
		if err != nil {
			return fmt.Errorf("count approved visits: %w", err)
		}

		if err := p.repo.UpsertPaymentAccrual(ctx, enrollment.ID, approved); err != nil {
			return fmt.Errorf("upsert accrual: %w", err)
		}

		p.logger.Debug("payment accrual recomputed",
			"enrollment_id", enrollment.ID,
			"approved_visits", approved)

		if p.bus != nil {
			event := PaymentRecomputedEvent{
				OpportunityID:  opportunityID,
				WorkerID:       workerID,
				EnrollmentID:   enrollment.ID,
				ApprovedVisits: approved,
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := p.bus.Publish(ctx, domain.TopicPaymentRecomputed, payload); err != nil {
				p.logger.Error("failed to publish payment event",
					"enrollment_id", enrollment.ID,
					"error", err)
			}
		}
	}
	return nil
}
