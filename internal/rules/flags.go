// Package rules evaluates quality and fraud rules against a submission
// and produces the ordered flag list stored on the visit.
package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/geo"
)

// formPayloadName is the form's own XML payload, always delivered alongside
// the submission and never counted as an attachment.
const formPayloadName = "form.xml"

// LocationLister returns the parsed locations of other visits for the same
// deliverable type, excluding the entity being visited. Backed by the store
// inside the intake transaction.
type LocationLister func(ctx context.Context, deliverableTypeID, excludeEntityID string) ([]domain.Point, error)

// FlagEngine runs the fixed battery of verification checks. Each check is
// an explicit evaluator over a known config variant, so the rule set stays
// auditable and testable in isolation.
type FlagEngine struct {
	locations LocationLister
}

// NewFlagEngine creates a flag engine. locations may be nil when proximity
// checking is not configured.
func NewFlagEngine(locations LocationLister) *FlagEngine {
	return &FlagEngine{locations: locations}
}

// FlagInput carries everything one evaluation needs.
type FlagInput struct {
	Config     domain.VerificationFlagConfig
	UnitRule   *domain.DeliverUnitFlagRule // nil when none configured
	ValueRules []*domain.FormValueRule
	Enrollment *domain.WorkerEnrollment
	Catchments []*domain.CatchmentArea

	Submission        *domain.Submission
	DeliverableTypeID string
	EntityID          string

	// Status as decided by the limit evaluator. The engine may override it
	// in exactly two places: the duplicate reset and the suspension reject.
	Status domain.VisitStatus
}

// FlagResult is the engine outcome: the possibly overridden status and the
// ordered flag list.
type FlagResult struct {
	Status domain.VisitStatus
	Flags  []domain.FlagReason
}

// Evaluate runs every check. Checks are additive and none short-circuits
// the others; flags are data describing the visit, not errors.
func (e *FlagEngine) Evaluate(ctx context.Context, in *FlagInput) (*FlagResult, error) {
	res := &FlagResult{Status: in.Status}

	loc, hasLoc := geo.Parse(in.Submission.Metadata.Location)

	// Duplicate. When the check is disabled, status is forced back to
	// pending even if the limit evaluator chose otherwise. Known quirk
	// carried over from the upstream behavior, pending product
	// clarification.
	if !in.Config.DuplicateCheck {
		res.Status = domain.VisitPending
	} else if res.Status == domain.VisitDuplicate {
		res.add(domain.FlagDuplicate, "a beneficiary was revisited")
	}

	if in.Config.GPSRequired && !hasLoc {
		res.add(domain.FlagGPS, "GPS data is missing")
	}

	if in.Config.MinVisitDistanceMeters > 0 && hasLoc && e.locations != nil {
		others, err := e.locations(ctx, in.DeliverableTypeID, in.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to list visit locations: %w", err)
		}
		for _, other := range others {
			if geo.Distance(loc, other) <= in.Config.MinVisitDistanceMeters {
				res.add(domain.FlagLocation, fmt.Sprintf("visit is within %.0fm of another visit", in.Config.MinVisitDistanceMeters))
				break
			}
		}
	}

	if in.Config.CatchmentEnforced {
		e.checkCatchment(res, in.Catchments, loc, hasLoc)
	}

	e.checkWindow(res, in)

	if in.UnitRule != nil && in.UnitRule.RequireAttachments {
		if countAttachments(in.Submission.Attachments) == 0 {
			res.add(domain.FlagAttachmentMissing, "attachments are required for this deliver unit")
		}
	}

	if in.UnitRule != nil && in.UnitRule.MinDurationMinutes > 0 {
		minutes := in.Submission.Duration().Minutes()
		if minutes < float64(in.UnitRule.MinDurationMinutes) {
			res.add(domain.FlagDuration, fmt.Sprintf("form entry took less than %d minutes", in.UnitRule.MinDurationMinutes))
		}
	}

	for _, rule := range in.ValueRules {
		if !formValueMatches(in.Submission, rule) {
			res.add(domain.FlagFormValueNotFound, fmt.Sprintf("no value at %s equals %q (%s)", rule.FormPath, rule.ExpectedValue, rule.Name))
		}
	}

	// Suspension wins over every prior status decision.
	if in.Enrollment.Suspended {
		res.add(domain.FlagUserSuspended, "worker is suspended for this opportunity")
		res.Status = domain.VisitRejected
	}

	return res, nil
}

func (r *FlagResult) add(code, message string) {
	r.Flags = append(r.Flags, domain.FlagReason{Code: code, Message: message})
}

// checkCatchment flags a visit outside every active catchment area. With
// no active areas there is nothing to violate.
func (e *FlagEngine) checkCatchment(res *FlagResult, areas []*domain.CatchmentArea, loc domain.Point, hasLoc bool) {
	active := 0
	for _, area := range areas {
		if !area.Active {
			continue
		}
		active++
		if hasLoc && geo.InCatchment(loc, area) {
			return
		}
	}
	if active > 0 {
		res.add(domain.FlagCatchment, "visit is outside every active catchment area")
	}
}

// checkWindow flags a submission whose client start time-of-day falls
// outside the configured daily window. Start and end bounds are checked
// independently. A malformed bound is treated as unset.
func (e *FlagEngine) checkWindow(res *FlagResult, in *FlagInput) {
	minute := in.Submission.Metadata.TimeStart.Hour()*60 + in.Submission.Metadata.TimeStart.Minute()

	if start, ok := parseClock(in.Config.WindowStart); ok && minute < start {
		res.add(domain.FlagSubmissionPeriod, "visit was started before "+in.Config.WindowStart)
	}
	if end, ok := parseClock(in.Config.WindowEnd); ok && minute > end {
		res.add(domain.FlagSubmissionPeriod, "visit was started after "+in.Config.WindowEnd)
	}
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func countAttachments(names []string) int {
	n := 0
	for _, name := range names {
		if name != formPayloadName {
			n++
		}
	}
	return n
}

// formValueMatches reports whether any value at the rule's form path equals
// the expected literal.
func formValueMatches(s *domain.Submission, rule *domain.FormValueRule) bool {
	for _, v := range s.FormValues(rule.FormPath) {
		if v == rule.ExpectedValue {
			return true
		}
	}
	return false
}
