// Package domain defines the core types and interfaces for curlew.
package domain

import (
	"context"
	"time"
)

// VisitCounts are the limit counters computed for one
// (enrollment, deliverable-type) scope, excluding trial and over-limit
// visits.
type VisitCounts struct {
	// Daily is the count of visits whose visit date equals the submission
	// date.
	Daily int

	// Total is the count of all visits in scope.
	Total int

	// Entity is the count of visits against the same beneficiary entity
	// for the same deliverable type.
	Entity int
}

// Store is the set of persistence operations the intake pipeline and its
// collaborators need. A Store may be transaction-scoped (inside InTx) or
// auto-committing (the Repository itself).
type Store interface {
	// Application / identity resolution
	GetApplicationByAppID(ctx context.Context, domain, appID string) (*Application, error)
	GetWorkerByUsername(ctx context.Context, username string) (*Worker, error)

	// FindActiveOpportunity returns the single opportunity whose deliver
	// or learn app equals appRef and whose date range covers today.
	// Zero matches returns ErrNotFound; more than one returns
	// ErrAmbiguousOpportunity.
	FindActiveOpportunity(ctx context.Context, role AppRole, appRef string, today time.Time) (*Opportunity, error)

	GetOpportunity(ctx context.Context, id string) (*Opportunity, error)

	GetEnrollment(ctx context.Context, opportunityID, workerID string) (*WorkerEnrollment, error)
	ListCatchmentAreas(ctx context.Context, enrollmentID string) ([]*CatchmentArea, error)

	GetDeliverableTypeBySlug(ctx context.Context, applicationID, slug string) (*DeliverableType, error)
	GetPaymentUnit(ctx context.Context, id string) (*PaymentUnit, error)
	GetClaim(ctx context.Context, enrollmentID string) (*Claim, error)
	GetClaimLimit(ctx context.Context, claimID, deliverableTypeID string) (*ClaimLimit, error)

	// Flag configuration
	GetDeliverUnitFlagRule(ctx context.Context, opportunityID, deliverableTypeID string) (*DeliverUnitFlagRule, error)
	ListFormValueRules(ctx context.Context, opportunityID, deliverableTypeID string) ([]*FormValueRule, error)
	ListCustomFlagRules(ctx context.Context, opportunityID string) ([]*CustomFlagRule, error)

	// LockEnrollment takes a row lock on the enrollment so concurrent
	// intakes for the same worker serialize around the limit check.
	// A no-op on engines whose transaction model already guarantees a
	// single writer.
	LockEnrollment(ctx context.Context, enrollmentID string) error

	CountVisits(ctx context.Context, enrollmentID, deliverableTypeID, entityID string, visitDate time.Time) (VisitCounts, error)

	GetVisit(ctx context.Context, id string) (*Visit, error)
	GetVisitBySubmissionID(ctx context.Context, submissionID string) (*Visit, error)
	SaveVisit(ctx context.Context, v *Visit) error

	// ListVisitLocations returns the parsed locations of all non-trial
	// visits for the deliverable type, excluding the given entity. Used
	// by the proximity check.
	ListVisitLocations(ctx context.Context, deliverableTypeID, excludeEntityID string) ([]Point, error)

	GetCompletedWork(ctx context.Context, id string) (*CompletedWork, error)
	GetOrCreateCompletedWork(ctx context.Context, enrollmentID, entityID, paymentUnitID string) (*CompletedWork, error)
	UpdateCompletedWorkStatus(ctx context.Context, id string, status CompletedWorkStatus) error
	CountNonRejectedVisits(ctx context.Context, completedWorkID string) (int, error)

	// Payment accrual (collaborator surface)
	CountApprovedVisits(ctx context.Context, enrollmentID string) (int, error)
	UpsertPaymentAccrual(ctx context.Context, enrollmentID string, approvedVisits int) error

	// Learn branch (insert-only; conflicts return ErrDuplicateAssessment)
	InsertAssessment(ctx context.Context, a *Assessment) error

	// Configuration writes, used by seeding and tests.
	SaveApplication(ctx context.Context, a *Application) error
	SaveOpportunity(ctx context.Context, o *Opportunity) error
	SaveWorker(ctx context.Context, w *Worker) error
	SaveEnrollment(ctx context.Context, e *WorkerEnrollment) error
	SaveCatchmentArea(ctx context.Context, c *CatchmentArea) error
	SaveClaim(ctx context.Context, c *Claim) error
	SaveClaimLimit(ctx context.Context, c *ClaimLimit) error
	SaveDeliverableType(ctx context.Context, d *DeliverableType) error
	SavePaymentUnit(ctx context.Context, p *PaymentUnit) error
	SaveDeliverUnitFlagRule(ctx context.Context, r *DeliverUnitFlagRule) error
	SaveFormValueRule(ctx context.Context, r *FormValueRule) error
	SaveCustomFlagRule(ctx context.Context, r *CustomFlagRule) error
}

// AppRole distinguishes which side of an opportunity an application serves.
type AppRole string

const (
	RoleDeliver AppRole = "deliver"
	RoleLearn   AppRole = "learn"
)

// Repository is the root persistence interface.
type Repository interface {
	Store

	// InTx runs fn inside a single database transaction. The Store passed
	// to fn is transaction-scoped; returning an error rolls back.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
