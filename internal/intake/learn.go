package intake

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/resolver"
)

// Form paths the learn apps write their assessment results under.
const (
	assessmentScorePath   = "assessment/score"
	assessmentPassingPath = "assessment/passing_score"
)

// assessmentRecorder is the default LearnRecorder: an insert-only path
// that persists assessment scores from learn-app submissions. A form with
// no assessment block is a no-op.
type assessmentRecorder struct{}

func (a *assessmentRecorder) Record(ctx context.Context, tx domain.Store, branch *resolver.Branch, sub *domain.Submission) error {
	score, ok := firstFloat(sub, assessmentScorePath)
	if !ok {
		return nil
	}
	passing, _ := firstFloat(sub, assessmentPassingPath)

	return tx.InsertAssessment(ctx, &domain.Assessment{
		ID:           uuid.New().String(),
		EnrollmentID: branch.Enrollment.ID,
		SubmissionID: sub.SubmissionID,
		Score:        score,
		PassingScore: passing,
		Passed:       score >= passing,
		CreatedAt:    sub.ReceivedOn.UTC(),
	})
}

func firstFloat(sub *domain.Submission, path string) (float64, bool) {
	for _, v := range sub.FormValues(path) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
