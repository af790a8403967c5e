package resolver

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/repository"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "curlew-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seed(t *testing.T, repo domain.Repository) {
	t.Helper()
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	must(repo.SaveApplication(ctx, &domain.Application{ID: "app-d", Domain: "ccc-test", AppID: "deliver-app", Name: "Deliver"}))
	must(repo.SaveApplication(ctx, &domain.Application{ID: "app-l", Domain: "ccc-test", AppID: "learn-app", Name: "Learn"}))
	must(repo.SaveOpportunity(ctx, &domain.Opportunity{
		ID: "opp-1", Name: "Screening",
		StartDate: day("2026-01-01"), EndDate: day("2026-12-31"),
		DeliverAppID: "app-d", LearnAppID: "app-l",
	}))
	must(repo.SaveWorker(ctx, &domain.Worker{ID: "wrk-1", Username: "jdoe@ccc-test.example.org"}))
	must(repo.SaveEnrollment(ctx, &domain.WorkerEnrollment{ID: "enr-1", OpportunityID: "opp-1", WorkerID: "wrk-1"}))
	must(repo.SavePaymentUnit(ctx, &domain.PaymentUnit{ID: "pu-1", Name: "Screening", StartDate: day("2026-01-01"), MaxDaily: 5}))
	must(repo.SaveDeliverableType(ctx, &domain.DeliverableType{ID: "dt-1", ApplicationID: "app-d", Slug: "screening", Name: "Screening", PaymentUnitID: "pu-1"}))
}

func submission(appID, username string) *domain.Submission {
	return &domain.Submission{
		Domain:       "ccc-test",
		SubmissionID: "sub-1",
		AppID:        appID,
		Metadata:     domain.SubmissionMetadata{Username: username},
	}
}

func fixedClock() func() time.Time {
	return func() time.Time { return day("2026-06-15") }
}

func TestResolve(t *testing.T) {
	repo := newTestRepo(t)
	seed(t, repo)
	ctx := context.Background()
	r := NewAt(fixedClock())

	t.Run("DeliverApp", func(t *testing.T) {
		res, err := r.Resolve(ctx, repo, submission("deliver-app", "jdoe@ccc-test.example.org"))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Deliver == nil {
			t.Fatal("expected deliver branch")
		}
		if res.Deliver.Opportunity.ID != "opp-1" {
			t.Errorf("expected opp-1, got %s", res.Deliver.Opportunity.ID)
		}
		if res.Deliver.Enrollment.ID != "enr-1" {
			t.Errorf("expected enr-1, got %s", res.Deliver.Enrollment.ID)
		}
		if res.Learn != nil {
			t.Error("deliver app must not resolve a learn branch")
		}
	})

	t.Run("LearnApp", func(t *testing.T) {
		res, err := r.Resolve(ctx, repo, submission("learn-app", "jdoe@ccc-test.example.org"))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Learn == nil {
			t.Fatal("expected learn branch")
		}
		if res.Deliver != nil {
			t.Error("learn app must not resolve a deliver branch")
		}
	})

	t.Run("UnknownApplication", func(t *testing.T) {
		_, err := r.Resolve(ctx, repo, submission("nope-app", "jdoe@ccc-test.example.org"))
		if !errors.Is(err, domain.ErrUnknownApplication) {
			t.Errorf("expected ErrUnknownApplication, got %v", err)
		}
		if !domain.IsFatalResolution(err) {
			t.Error("unknown application must be a fatal resolution error")
		}
	})

	t.Run("UnknownWorker", func(t *testing.T) {
		_, err := r.Resolve(ctx, repo, submission("deliver-app", "ghost@example.org"))
		if !errors.Is(err, domain.ErrUnknownWorker) {
			t.Errorf("expected ErrUnknownWorker, got %v", err)
		}
	})

	t.Run("NotEnrolled", func(t *testing.T) {
		if err := repo.SaveWorker(ctx, &domain.Worker{ID: "wrk-2", Username: "new@ccc-test.example.org"}); err != nil {
			t.Fatalf("SaveWorker failed: %v", err)
		}
		_, err := r.Resolve(ctx, repo, submission("deliver-app", "new@ccc-test.example.org"))
		if !errors.Is(err, domain.ErrUnknownWorker) {
			t.Errorf("expected ErrUnknownWorker for unenrolled worker, got %v", err)
		}
	})

	t.Run("OpportunityClosed", func(t *testing.T) {
		closed := NewAt(func() time.Time { return day("2027-06-15") })
		res, err := closed.Resolve(ctx, repo, submission("deliver-app", "jdoe@ccc-test.example.org"))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		// No active opportunity is a silent no-op, not an error.
		if res.Deliver != nil || res.Learn != nil {
			t.Error("expected no branches outside the opportunity window")
		}
	})

	t.Run("AmbiguousOpportunity", func(t *testing.T) {
		if err := repo.SaveOpportunity(ctx, &domain.Opportunity{
			ID: "opp-2", Name: "Overlap",
			StartDate: day("2026-01-01"), EndDate: day("2026-12-31"),
			DeliverAppID: "app-d",
		}); err != nil {
			t.Fatalf("SaveOpportunity failed: %v", err)
		}
		t.Cleanup(func() {
			// Shrink the overlap back out of the clock's view.
			repo.SaveOpportunity(ctx, &domain.Opportunity{
				ID: "opp-2", Name: "Overlap",
				StartDate: day("2025-01-01"), EndDate: day("2025-12-31"),
				DeliverAppID: "app-d",
			})
		})

		_, err := r.Resolve(ctx, repo, submission("deliver-app", "jdoe@ccc-test.example.org"))
		if !errors.Is(err, domain.ErrAmbiguousOpportunity) {
			t.Errorf("expected ErrAmbiguousOpportunity, got %v", err)
		}
	})
}

func TestResolveDeliverable(t *testing.T) {
	repo := newTestRepo(t)
	seed(t, repo)
	ctx := context.Background()
	r := NewAt(fixedClock())

	app := &domain.Application{ID: "app-d", AppID: "deliver-app"}

	t.Run("Known", func(t *testing.T) {
		dt, pu, err := r.ResolveDeliverable(ctx, repo, app, "screening")
		if err != nil {
			t.Fatalf("ResolveDeliverable failed: %v", err)
		}
		if dt.ID != "dt-1" || pu.ID != "pu-1" {
			t.Errorf("got dt=%s pu=%s", dt.ID, pu.ID)
		}
	})

	t.Run("UnknownSlug", func(t *testing.T) {
		_, _, err := r.ResolveDeliverable(ctx, repo, app, "nope")
		if !errors.Is(err, domain.ErrMissingPaymentUnit) {
			t.Errorf("expected ErrMissingPaymentUnit, got %v", err)
		}
	})

	t.Run("DanglingPaymentUnit", func(t *testing.T) {
		if err := repo.SaveDeliverableType(ctx, &domain.DeliverableType{
			ID: "dt-2", ApplicationID: "app-d", Slug: "orphan", Name: "Orphan", PaymentUnitID: "pu-missing",
		}); err != nil {
			t.Fatalf("SaveDeliverableType failed: %v", err)
		}
		_, _, err := r.ResolveDeliverable(ctx, repo, app, "orphan")
		if !errors.Is(err, domain.ErrMissingPaymentUnit) {
			t.Errorf("expected ErrMissingPaymentUnit, got %v", err)
		}
	})
}
