package domain

import (
	"time"
)

// VisitStatus is the validation status assigned exactly once at intake.
// Only pending visits transition later, and those transitions are owned by
// the review workflow, not by intake.
type VisitStatus string

const (
	VisitPending   VisitStatus = "pending"
	VisitApproved  VisitStatus = "approved"
	VisitRejected  VisitStatus = "rejected"
	VisitDuplicate VisitStatus = "duplicate"
	VisitTrial     VisitStatus = "trial"
	VisitOverLimit VisitStatus = "over_limit"
)

// CountsTowardLimits reports whether visits in this status participate in
// daily/total/entity counting. Trial and over-limit visits accrue nothing.
func (s VisitStatus) CountsTowardLimits() bool {
	return s != VisitTrial && s != VisitOverLimit
}

// ReviewStatus is a secondary dimension set only on auto-approval.
type ReviewStatus string

const (
	ReviewPending ReviewStatus = "pending"
	ReviewAgree   ReviewStatus = "agree"
)

// FlagReason is one rule-engine outcome attached to a visit. Flags are
// data, not errors: they are always recorded and never thrown.
type FlagReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Flag codes produced by the flag engine.
const (
	FlagDuplicate         = "duplicate"
	FlagGPS               = "gps"
	FlagLocation          = "location"
	FlagCatchment         = "catchment"
	FlagSubmissionPeriod  = "form_submission_period"
	FlagAttachmentMissing = "attachment_missing"
	FlagDuration          = "duration"
	FlagFormValueNotFound = "form_value_not_found"
	FlagUserSuspended     = "user_suspended"
	FlagCustom            = "custom"
)

// Visit is the central record: one validated, limit-checked, payable unit
// of work, created once per submission id.
type Visit struct {
	ID                string `json:"id"`
	OpportunityID     string `json:"opportunityId"`
	WorkerID          string `json:"workerId"`
	EnrollmentID      string `json:"enrollmentId"`
	DeliverableTypeID string `json:"deliverableTypeId"`

	EntityID   string `json:"entityId"`
	EntityName string `json:"entityName"`

	VisitDate    time.Time `json:"visitDate"`
	SubmissionID string    `json:"submissionId"` // idempotency key, unique

	AppBuildID      string `json:"appBuildId"`
	AppBuildVersion string `json:"appBuildVersion"`

	Form        map[string]any `json:"form"`
	LocationRaw string         `json:"locationRaw"`

	Status      VisitStatus  `json:"status"`
	Flagged     bool         `json:"flagged"`
	FlagReasons []FlagReason `json:"flagReasons,omitempty"`

	// Nil exactly when Status == trial.
	CompletedWorkID string `json:"completedWorkId,omitempty"`

	ReviewStatus ReviewStatus `json:"reviewStatus"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// CompletedWorkStatus tracks the lifecycle of an aggregated work unit.
// Intake only ever advances it forward, except the forced over_limit jump.
type CompletedWorkStatus string

const (
	WorkIncomplete CompletedWorkStatus = "incomplete"
	WorkPending    CompletedWorkStatus = "pending"
	WorkApproved   CompletedWorkStatus = "approved"
	WorkRejected   CompletedWorkStatus = "rejected"
	WorkOverLimit  CompletedWorkStatus = "over_limit"
)

// CompletedWork aggregates visits for one beneficiary entity under one
// payment unit, keyed by (enrollment, entity, payment unit).
type CompletedWork struct {
	ID            string              `json:"id"`
	EnrollmentID  string              `json:"enrollmentId"`
	EntityID      string              `json:"entityId"`
	PaymentUnitID string              `json:"paymentUnitId"`
	Status        CompletedWorkStatus `json:"status"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Assessment is an insert-only record from the learn branch. Intake only
// touches it through the LearnRecorder collaborator.
type Assessment struct {
	ID           string    `json:"id"`
	EnrollmentID string    `json:"enrollmentId"`
	SubmissionID string    `json:"submissionId"`
	Score        float64   `json:"score"`
	PassingScore float64   `json:"passingScore"`
	Passed       bool      `json:"passed"`
	CreatedAt    time.Time `json:"createdAt"`
}
