package domain

import (
	"time"
)

// Application identifies a data-collection app build belonging to one
// platform domain. An application is either the deliver app or the learn
// app of at most one active Opportunity at a time.
type Application struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	AppID  string `json:"appId"` // platform-assigned app identifier
	Name   string `json:"name"`
}

// Opportunity is a time-bounded engagement with a budget and verification
// configuration. Visits are only payable while the opportunity is open.
type Opportunity struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	StartDate         time.Time `json:"startDate"`
	EndDate           time.Time `json:"endDate"`
	AutoApproveVisits bool      `json:"autoApproveVisits"`

	DeliverAppID string `json:"deliverAppId"`
	LearnAppID   string `json:"learnAppId"`

	FlagConfig VerificationFlagConfig `json:"flagConfig"`
}

// Active reports whether the opportunity's date range covers the given day.
func (o *Opportunity) Active(today time.Time) bool {
	day := today.UTC().Truncate(24 * time.Hour)
	return !day.Before(o.StartDate) && !day.After(o.EndDate)
}

// VerificationFlagConfig holds the per-opportunity fraud/quality settings
// the flag engine evaluates against every visit.
type VerificationFlagConfig struct {
	// DuplicateCheck enables beneficiary-revisit detection. When disabled,
	// a visit is never left in duplicate status.
	DuplicateCheck bool `json:"duplicateCheck"`

	// GPSRequired flags visits that carry no parseable location.
	GPSRequired bool `json:"gpsRequired"`

	// MinVisitDistanceMeters is the minimum great-circle distance to any
	// other visit of the same deliverable type. 0 disables the check.
	MinVisitDistanceMeters float64 `json:"minVisitDistanceMeters"`

	// CatchmentEnforced flags visits outside every active catchment area
	// of the worker's enrollment.
	CatchmentEnforced bool `json:"catchmentEnforced"`

	// Allowed daily submission window, as time-of-day strings "HH:MM".
	// Empty means unbounded on that side.
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`
}

// DeliverUnitFlagRule is per-deliverable-type flag configuration.
type DeliverUnitFlagRule struct {
	ID                 string `json:"id"`
	OpportunityID      string `json:"opportunityId"`
	DeliverableTypeID  string `json:"deliverableTypeId"`
	RequireAttachments bool   `json:"requireAttachments"`
	MinDurationMinutes int    `json:"minDurationMinutes"`
}

// FormValueRule asserts that a path into the submitted form tree holds an
// expected literal value. Scoped to one deliverable type.
type FormValueRule struct {
	ID                string `json:"id"`
	OpportunityID     string `json:"opportunityId"`
	DeliverableTypeID string `json:"deliverableTypeId"`
	Name              string `json:"name"`
	FormPath          string `json:"formPath"`
	ExpectedValue     string `json:"expectedValue"`
}

// CustomFlagRule is an opportunity-scoped CEL expression evaluated against
// the submission; a true result appends a custom flag to the visit.
type CustomFlagRule struct {
	ID            string `json:"id"`
	OpportunityID string `json:"opportunityId"`
	Name          string `json:"name"`
	Expression    string `json:"expression"`
	Enabled       bool   `json:"enabled"`
}

// Worker is a field-level worker identity, linked to the platform username
// encoded in submission metadata.
type Worker struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// WorkerEnrollment is a worker's membership in an opportunity.
type WorkerEnrollment struct {
	ID            string `json:"id"`
	OpportunityID string `json:"opportunityId"`
	WorkerID      string `json:"workerId"`
	Suspended     bool   `json:"suspended"`
}

// CatchmentArea is a worker-specific geofence visits are expected to fall
// within when catchment enforcement is enabled.
type CatchmentArea struct {
	ID           string  `json:"id"`
	EnrollmentID string  `json:"enrollmentId"`
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radiusMeters"`
	Active       bool    `json:"active"`
}

// Point is a geographic coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Claim is a worker's acceptance of an opportunity.
type Claim struct {
	ID           string    `json:"id"`
	EnrollmentID string    `json:"enrollmentId"`
	EndDate      time.Time `json:"endDate"`
}

// ClaimLimit caps total visits per deliverable type under a claim. A zero
// EndDateOverride means the claim's own end date applies.
type ClaimLimit struct {
	ID                string    `json:"id"`
	ClaimID           string    `json:"claimId"`
	DeliverableTypeID string    `json:"deliverableTypeId"`
	MaxVisits         int       `json:"maxVisits"`
	EndDateOverride   time.Time `json:"endDateOverride,omitempty"`
}

// EndsBefore reports whether the claim window is closed on the given day,
// honoring the per-limit override when set.
func (c *Claim) EndsBefore(limit *ClaimLimit, today time.Time) bool {
	end := c.EndDate
	if limit != nil && !limit.EndDateOverride.IsZero() {
		end = limit.EndDateOverride
	}
	day := today.UTC().Truncate(24 * time.Hour)
	return day.After(end)
}

// DeliverableType is a distinct kind of service visit defined by an
// application, linked 1:1 to a payment unit.
type DeliverableType struct {
	ID            string `json:"id"`
	ApplicationID string `json:"applicationId"`
	Slug          string `json:"slug"`
	Name          string `json:"name"`
	PaymentUnitID string `json:"paymentUnitId"`
}

// PaymentUnit is the billable grouping a deliverable type belongs to.
type PaymentUnit struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"startDate"`
	MaxDaily  int       `json:"maxDaily"`
	MaxTotal  int       `json:"maxTotal"`
}
