//go:build integration
// +build integration

// Package integration provides end-to-end tests for the curlew intake
// pipeline.
//
// These tests run the full stack in-process: an HTTP server over a real
// SQLite database, the channel event bus, the payment recomputer and the
// compiled flag-rule engine.
//
//	Submission → Resolution → Limits → Flags → Visit → Effects
//
// Run with: go test -tags=integration -v ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fieldworks/curlew/internal/api"
	"github.com/fieldworks/curlew/internal/bus"
	"github.com/fieldworks/curlew/internal/cache"
	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/intake"
	"github.com/fieldworks/curlew/internal/repository"
	"github.com/fieldworks/curlew/internal/rules"
	"github.com/fieldworks/curlew/internal/worker"
)

// stack is one fully wired in-process deployment.
type stack struct {
	repo   domain.Repository
	bus    *bus.ChannelBus
	server *httptest.Server
}

func newStack(t *testing.T, maxDaily int) *stack {
	t.Helper()
	ctx := context.Background()

	tmpFile, err := os.CreateTemp("", "curlew-it-*.db")
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

	today := time.Now().UTC().Truncate(24 * time.Hour)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	must(repo.SaveApplication(ctx, &domain.Application{ID: "app-d", Domain: "it-test", AppID: "deliver-app", Name: "Deliver"}))
	must(repo.SaveOpportunity(ctx, &domain.Opportunity{
		ID: "opp-1", Name: "Screening",
		StartDate: today.AddDate(0, -1, 0), EndDate: today.AddDate(0, 1, 0),
		DeliverAppID: "app-d",
		FlagConfig:   domain.VerificationFlagConfig{DuplicateCheck: true},
	}))
	must(repo.SaveWorker(ctx, &domain.Worker{ID: "wrk-1", Username: "jdoe@it-test.example.org"}))
	must(repo.SaveEnrollment(ctx, &domain.WorkerEnrollment{ID: "enr-1", OpportunityID: "opp-1", WorkerID: "wrk-1"}))
	must(repo.SavePaymentUnit(ctx, &domain.PaymentUnit{ID: "pu-1", Name: "Screening", StartDate: today.AddDate(0, -1, 0), MaxDaily: maxDaily, MaxTotal: 1000}))
	must(repo.SaveDeliverableType(ctx, &domain.DeliverableType{ID: "dt-1", ApplicationID: "app-d", Slug: "screening", Name: "Screening", PaymentUnitID: "pu-1"}))
	must(repo.SaveClaim(ctx, &domain.Claim{ID: "clm-1", EnrollmentID: "enr-1", EndDate: today.AddDate(0, 1, 0)}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	custom, err := rules.NewCustomEngine()
	if err != nil {
		t.Fatalf("NewCustomEngine failed: %v", err)
	}
	t.Cleanup(func() { custom.Close() })

	payments := worker.NewPayments(repo, eventBus, logger)
	processor := intake.NewProcessor(repo, custom, eventBus, payments, logger)

	cacheImpl := cache.NewLRUCache(100)
	t.Cleanup(func() { cacheImpl.Close() })

	srv := api.NewServer(
		domain.ServerConfig{Host: "localhost", Port: 0, ReadTimeout: 30, WriteTimeout: 30},
		domain.AuthConfig{},
		repo, cacheImpl, processor, custom, "it-test",
	)

	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)

	return &stack{repo: repo, bus: eventBus, server: httpSrv}
}

func (s *stack) submit(t *testing.T, subID, entityID, username string) int {
	t.Helper()
	now := time.Now().UTC()
	payload := map[string]any{
		"domain":      "it-test",
		"id":          subID,
		"app_id":      "deliver-app",
		"build_id":    "build-1",
		"received_on": now.Format(time.RFC3339),
		"form": map[string]any{
			"deliver": map[string]any{
				"deliver_unit": "screening",
				"entity_id":    entityID,
				"entity_name":  "Household " + entityID,
			},
		},
		"metadata": map[string]any{
			"timeStart":         now.Add(-15 * time.Minute).Format(time.RFC3339),
			"timeEnd":           now.Format(time.RFC3339),
			"app_build_version": "1",
			"username":          username,
			"location":          "12.9716 77.5946 900 4",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal submission: %v", err)
	}

	resp, err := http.Post(s.server.URL+"/api/receiver", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post submission: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func (s *stack) visitBySubmission(t *testing.T, subID string) *domain.Visit {
	t.Helper()
	visit, err := s.repo.GetVisitBySubmissionID(context.Background(), subID)
	if err != nil {
		t.Fatalf("visit for %s not found: %v", subID, err)
	}
	return visit
}

func TestIntakeEndToEnd(t *testing.T) {
	s := newStack(t, 10)
	ctx := context.Background()

	t.Run("PendingVisit", func(t *testing.T) {
		if code := s.submit(t, "it-sub-1", "hh-1", "jdoe@it-test.example.org"); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}

		visit := s.visitBySubmission(t, "it-sub-1")
		if visit.Status != domain.VisitPending {
			t.Errorf("expected pending, got %s", visit.Status)
		}
		if visit.CompletedWorkID == "" {
			t.Error("pending visit must have completed work")
		}

		work, err := s.repo.GetCompletedWork(ctx, visit.CompletedWorkID)
		if err != nil {
			t.Fatalf("completed work lookup: %v", err)
		}
		if work.Status != domain.WorkPending {
			t.Errorf("expected pending work, got %s", work.Status)
		}
	})

	t.Run("IdempotentRedelivery", func(t *testing.T) {
		first := s.visitBySubmission(t, "it-sub-1")

		if code := s.submit(t, "it-sub-1", "hh-1", "jdoe@it-test.example.org"); code != http.StatusOK {
			t.Fatalf("redelivery must return 200, got %d", code)
		}

		second := s.visitBySubmission(t, "it-sub-1")
		if second.ID != first.ID {
			t.Error("redelivery must not create a second visit")
		}
	})

	t.Run("DuplicateEntity", func(t *testing.T) {
		if code := s.submit(t, "it-sub-2", "hh-1", "jdoe@it-test.example.org"); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}

		visit := s.visitBySubmission(t, "it-sub-2")
		if visit.Status != domain.VisitDuplicate {
			t.Errorf("expected duplicate, got %s", visit.Status)
		}
	})

	t.Run("UnknownWorkerRejected", func(t *testing.T) {
		if code := s.submit(t, "it-sub-3", "hh-3", "ghost@it-test.example.org"); code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown worker, got %d", code)
		}
	})
}

func TestIntakeSuspendedWorker(t *testing.T) {
	s := newStack(t, 10)
	ctx := context.Background()

	if err := s.repo.SaveEnrollment(ctx, &domain.WorkerEnrollment{
		ID: "enr-1", OpportunityID: "opp-1", WorkerID: "wrk-1", Suspended: true,
	}); err != nil {
		t.Fatalf("suspend enrollment: %v", err)
	}

	if code := s.submit(t, "it-sub-1", "hh-1", "jdoe@it-test.example.org"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	visit := s.visitBySubmission(t, "it-sub-1")
	if visit.Status != domain.VisitRejected {
		t.Errorf("expected rejected, got %s", visit.Status)
	}

	found := false
	for _, f := range visit.FlagReasons {
		if f.Code == domain.FlagUserSuspended {
			found = true
		}
	}
	if !found {
		t.Error("expected user_suspended flag")
	}
}

func TestIntakeTrialVisit(t *testing.T) {
	s := newStack(t, 10)
	ctx := context.Background()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if err := s.repo.SavePaymentUnit(ctx, &domain.PaymentUnit{
		ID: "pu-1", Name: "Screening", StartDate: today.AddDate(0, 0, 7), MaxDaily: 10, MaxTotal: 1000,
	}); err != nil {
		t.Fatalf("move payment unit start: %v", err)
	}

	if code := s.submit(t, "it-sub-1", "hh-1", "jdoe@it-test.example.org"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	visit := s.visitBySubmission(t, "it-sub-1")
	if visit.Status != domain.VisitTrial {
		t.Errorf("expected trial, got %s", visit.Status)
	}
	if visit.CompletedWorkID != "" {
		t.Error("trial visit must not be attached to completed work")
	}
}

func TestIntakePaymentRecomputed(t *testing.T) {
	s := newStack(t, 10)
	ctx := context.Background()

	// Auto-approval makes the accrual move on the intake path.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if err := s.repo.SaveOpportunity(ctx, &domain.Opportunity{
		ID: "opp-1", Name: "Screening",
		StartDate: today.AddDate(0, -1, 0), EndDate: today.AddDate(0, 1, 0),
		DeliverAppID: "app-d", AutoApproveVisits: true,
		FlagConfig: domain.VerificationFlagConfig{DuplicateCheck: true},
	}); err != nil {
		t.Fatalf("update opportunity: %v", err)
	}

	var mu sync.Mutex
	var events []worker.PaymentRecomputedEvent
	s.bus.Subscribe(ctx, domain.TopicPaymentRecomputed, func(ctx context.Context, msg *domain.Message) error {
		var ev worker.PaymentRecomputedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	if code := s.submit(t, "it-sub-1", "hh-1", "jdoe@it-test.example.org"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	visit := s.visitBySubmission(t, "it-sub-1")
	if visit.Status != domain.VisitApproved {
		t.Fatalf("expected approved, got %s", visit.Status)
	}
	if visit.ReviewStatus != domain.ReviewAgree {
		t.Errorf("expected review agree, got %s", visit.ReviewStatus)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for payment event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0].ApprovedVisits != 1 {
		t.Errorf("expected 1 approved visit in accrual, got %d", events[0].ApprovedVisits)
	}
}

func TestConcurrentLimitEnforcement(t *testing.T) {
	const parallel = 4
	s := newStack(t, parallel-1)

	var wg sync.WaitGroup
	codes := make([]int, parallel)
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			codes[n] = s.submit(t, fmt.Sprintf("it-sub-%d", n), fmt.Sprintf("hh-%d", n), "jdoe@it-test.example.org")
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("submission %d failed with status %d", i, code)
		}
	}

	var pending, over int
	for i := 0; i < parallel; i++ {
		visit := s.visitBySubmission(t, fmt.Sprintf("it-sub-%d", i))
		switch visit.Status {
		case domain.VisitPending:
			pending++
		case domain.VisitOverLimit:
			over++
		default:
			t.Errorf("unexpected status %s for submission %d", visit.Status, i)
		}
	}

	if pending != parallel-1 {
		t.Errorf("expected %d pending visits, got %d", parallel-1, pending)
	}
	if over != 1 {
		t.Errorf("expected exactly 1 over-limit visit, got %d", over)
	}
}
