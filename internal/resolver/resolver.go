// Package resolver maps an inbound submission to its owning application,
// opportunities, and worker identity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/curlew/internal/domain"
)

// Branch is one side of a resolution: a form may dispatch into a deliver
// opportunity, a learn opportunity, both, or neither.
type Branch struct {
	Opportunity *domain.Opportunity
	Enrollment  *domain.WorkerEnrollment
}

// Resolution is the result of resolving one submission. Deliver or Learn
// is nil when no active opportunity matched that role.
type Resolution struct {
	Application *domain.Application
	Worker      *domain.Worker
	Deliver     *Branch
	Learn       *Branch
}

// Resolver performs the lookups. now is injectable for tests.
type Resolver struct {
	now func() time.Time
}

// New creates a resolver using the wall clock.
func New() *Resolver {
	return &Resolver{now: time.Now}
}

// NewAt creates a resolver with a fixed clock.
func NewAt(now func() time.Time) *Resolver {
	return &Resolver{now: now}
}

// Resolve looks up the submission's application, worker, and the active
// opportunity for each role. An application with no active opportunity on
// either side still resolves; intake treats the empty branches as no-ops.
func (r *Resolver) Resolve(ctx context.Context, tx domain.Store, sub *domain.Submission) (*Resolution, error) {
	app, err := tx.GetApplicationByAppID(ctx, sub.Domain, sub.AppID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: app %s in domain %s", domain.ErrUnknownApplication, sub.AppID, sub.Domain)
		}
		return nil, fmt.Errorf("failed to look up application: %w", err)
	}

	worker, err := tx.GetWorkerByUsername(ctx, sub.Metadata.Username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: username %s", domain.ErrUnknownWorker, sub.Metadata.Username)
		}
		return nil, fmt.Errorf("failed to look up worker: %w", err)
	}

	res := &Resolution{Application: app, Worker: worker}
	today := r.now().UTC()

	res.Deliver, err = r.resolveBranch(ctx, tx, domain.RoleDeliver, app, worker, today)
	if err != nil {
		return nil, err
	}
	res.Learn, err = r.resolveBranch(ctx, tx, domain.RoleLearn, app, worker, today)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// resolveBranch finds the single active opportunity for one role. Zero
// matches is a silent no-op; more than one is fatal. A matched opportunity
// the worker is not enrolled in resolves to an unknown worker.
func (r *Resolver) resolveBranch(ctx context.Context, tx domain.Store, role domain.AppRole, app *domain.Application, worker *domain.Worker, today time.Time) (*Branch, error) {
	opp, err := tx.FindActiveOpportunity(ctx, role, app.ID, today)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if errors.Is(err, domain.ErrAmbiguousOpportunity) {
			return nil, fmt.Errorf("%w: app %s, role %s", domain.ErrAmbiguousOpportunity, app.AppID, role)
		}
		return nil, fmt.Errorf("failed to find active opportunity: %w", err)
	}

	enrollment, err := tx.GetEnrollment(ctx, opp.ID, worker.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not enrolled in opportunity %s", domain.ErrUnknownWorker, worker.Username, opp.ID)
		}
		return nil, fmt.Errorf("failed to look up enrollment: %w", err)
	}

	return &Branch{Opportunity: opp, Enrollment: enrollment}, nil
}

// ResolveDeliverable looks up the deliverable type named by a deliver block
// and its payment unit. Missing payment unit configuration is fatal.
func (r *Resolver) ResolveDeliverable(ctx context.Context, tx domain.Store, app *domain.Application, slug string) (*domain.DeliverableType, *domain.PaymentUnit, error) {
	dt, err := tx.GetDeliverableTypeBySlug(ctx, app.ID, slug)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown deliver unit %q", domain.ErrMissingPaymentUnit, slug)
		}
		return nil, nil, fmt.Errorf("failed to look up deliverable type: %w", err)
	}

	if dt.PaymentUnitID == "" {
		return nil, nil, fmt.Errorf("%w: deliver unit %q", domain.ErrMissingPaymentUnit, slug)
	}
	pu, err := tx.GetPaymentUnit(ctx, dt.PaymentUnitID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: deliver unit %q", domain.ErrMissingPaymentUnit, slug)
		}
		return nil, nil, fmt.Errorf("failed to look up payment unit: %w", err)
	}

	return dt, pu, nil
}
