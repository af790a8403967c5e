package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldworks/curlew/internal/cache"
	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/intake"
	"github.com/fieldworks/curlew/internal/repository"
	"github.com/fieldworks/curlew/internal/rules"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

// createTestServer wires a server over a seeded temp sqlite database.
// c may be nil; the server then runs without a cache.
func createTestServer(t *testing.T, auth domain.AuthConfig, c domain.Cache) (*Server, domain.Repository) {
	t.Helper()
	ctx := context.Background()

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

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	must(repo.SaveApplication(ctx, &domain.Application{ID: "app-d", Domain: "ccc-test", AppID: "deliver-app", Name: "Deliver"}))
	must(repo.SaveOpportunity(ctx, &domain.Opportunity{
		ID: "opp-1", Name: "Screening",
		StartDate: day("2026-01-01"), EndDate: day("2026-12-31"),
		DeliverAppID: "app-d",
		FlagConfig:   domain.VerificationFlagConfig{DuplicateCheck: true},
	}))
	must(repo.SaveWorker(ctx, &domain.Worker{ID: "wrk-1", Username: "jdoe@ccc-test.example.org"}))
	must(repo.SaveEnrollment(ctx, &domain.WorkerEnrollment{ID: "enr-1", OpportunityID: "opp-1", WorkerID: "wrk-1"}))
	must(repo.SavePaymentUnit(ctx, &domain.PaymentUnit{ID: "pu-1", Name: "Screening", StartDate: day("2026-01-01"), MaxDaily: 10, MaxTotal: 100}))
	must(repo.SaveDeliverableType(ctx, &domain.DeliverableType{ID: "dt-1", ApplicationID: "app-d", Slug: "screening", Name: "Screening", PaymentUnitID: "pu-1"}))
	must(repo.SaveClaim(ctx, &domain.Claim{ID: "clm-1", EnrollmentID: "enr-1", EndDate: day("2026-12-31")}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	custom, err := rules.NewCustomEngine()
	if err != nil {
		t.Fatalf("NewCustomEngine failed: %v", err)
	}
	t.Cleanup(func() { custom.Close() })

	processor := intake.NewProcessor(repo, custom, nil, nil, logger,
		intake.WithClock(func() time.Time { return day("2026-03-02") }))

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, auth, repo, c, processor, custom, "test-v1"), repo
}

func receiverBody(subID, entityID string) []byte {
	payload := map[string]any{
		"domain":      "ccc-test",
		"id":          subID,
		"app_id":      "deliver-app",
		"build_id":    "build-7",
		"received_on": "2026-03-02T10:20:00Z",
		"form": map[string]any{
			"deliver": map[string]any{
				"deliver_unit": "screening",
				"entity_id":    entityID,
				"entity_name":  "Household " + entityID,
			},
		},
		"metadata": map[string]any{
			"timeStart":         "2026-03-02T10:00:00Z",
			"timeEnd":           "2026-03-02T10:20:00Z",
			"app_build_version": "7",
			"username":          "jdoe@ccc-test.example.org",
			"location":          "12.9716 77.5946 900 4",
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func postReceiver(server *Server, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/receiver", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestReceiverEndpoint(t *testing.T) {
	server, repo := createTestServer(t, domain.AuthConfig{}, nil)
	ctx := context.Background()

	t.Run("SuccessEmptyBody", func(t *testing.T) {
		rr := postReceiver(server, receiverBody("sub-1", "hh-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr.Body.Len() != 0 {
			t.Errorf("expected empty body, got %q", rr.Body.String())
		}

		visit, err := repo.GetVisitBySubmissionID(ctx, "sub-1")
		if err != nil {
			t.Fatalf("visit was not persisted: %v", err)
		}
		if visit.Status != domain.VisitPending {
			t.Errorf("expected pending, got %s", visit.Status)
		}
	})

	t.Run("RedeliveryIsNoOp", func(t *testing.T) {
		rr := postReceiver(server, receiverBody("sub-1", "hh-1"))
		if rr.Code != http.StatusOK {
			t.Errorf("redelivery must return 200, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := postReceiver(server, []byte("{not json"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("MissingSubmissionID", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"domain": "ccc-test", "app_id": "deliver-app"})
		rr := postReceiver(server, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownApplication", func(t *testing.T) {
		body := bytes.Replace(receiverBody("sub-2", "hh-2"), []byte("deliver-app"), []byte("ghost-app"), 1)
		rr := postReceiver(server, body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse error body: %v", err)
		}
		if resp["detail"] == "" {
			t.Error("expected a detail message")
		}
	})

	t.Run("UnknownWorker", func(t *testing.T) {
		body := bytes.Replace(receiverBody("sub-3", "hh-3"), []byte("jdoe@ccc-test.example.org"), []byte("ghost@example.org"), 1)
		rr := postReceiver(server, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestReceiverAdvisoryCounter(t *testing.T) {
	c := cache.NewLRUCache(10)
	t.Cleanup(func() { c.Close() })
	server, _ := createTestServer(t, domain.AuthConfig{}, c)

	for _, subID := range []string{"sub-1", "sub-2"} {
		if rr := postReceiver(server, receiverBody(subID, "hh-"+subID)); rr.Code != http.StatusOK {
			t.Fatalf("intake failed: %d: %s", rr.Code, rr.Body.String())
		}
	}
	// Redelivery is a no-op and must not count.
	if rr := postReceiver(server, receiverBody("sub-1", "hh-sub-1")); rr.Code != http.StatusOK {
		t.Fatalf("redelivery failed: %d", rr.Code)
	}

	key := "intake:" + time.Now().UTC().Format("2006-01-02")
	n, err := c.IncrementCounter(context.Background(), key, time.Minute)
	if err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected counter at 3 after two accepted submissions, got %d", n)
	}
}

func TestVisitRetrieval(t *testing.T) {
	server, repo := createTestServer(t, domain.AuthConfig{}, nil)
	ctx := context.Background()

	rr := postReceiver(server, receiverBody("sub-1", "hh-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("intake failed: %d", rr.Code)
	}
	visit, err := repo.GetVisitBySubmissionID(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetVisitBySubmissionID failed: %v", err)
	}

	t.Run("GetVisit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/visits/"+visit.ID, nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got domain.Visit
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to parse visit: %v", err)
		}
		if got.SubmissionID != "sub-1" {
			t.Errorf("expected sub-1, got %s", got.SubmissionID)
		}
	})

	t.Run("GetCompletedWork", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/completed-work/"+visit.CompletedWorkID, nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("VisitNotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/visits/nope", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestOpportunityEndpoint(t *testing.T) {
	server, _ := createTestServer(t, domain.AuthConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/opportunities/opp-1", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap domain.OpportunitySnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to parse snapshot: %v", err)
	}
	if snap.OpportunityID != "opp-1" {
		t.Errorf("expected opp-1, got %s", snap.OpportunityID)
	}
	if !snap.FlagConfig.DuplicateCheck {
		t.Error("expected duplicate check in snapshot")
	}
}

func TestFlagRuleEndpoints(t *testing.T) {
	server, _ := createTestServer(t, domain.AuthConfig{}, nil)

	t.Run("CreateValid", func(t *testing.T) {
		body, _ := json.Marshal(CreateFlagRuleRequest{
			Name: "short-visit", Expression: `duration_minutes < 10.0`, Enabled: true,
		})
		req := httptest.NewRequest(http.MethodPost, "/api/opportunities/opp-1/flag-rules", bytes.NewBuffer(body))
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		body, _ := json.Marshal(CreateFlagRuleRequest{
			Name: "broken", Expression: `duration_minutes <`, Enabled: true,
		})
		req := httptest.NewRequest(http.MethodPost, "/api/opportunities/opp-1/flag-rules", bytes.NewBuffer(body))
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/opportunities/opp-1/flag-rules", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse list: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 rule, got %d", resp.Count)
		}
	})
}

func TestAuth(t *testing.T) {
	auth := domain.AuthConfig{JWTSecret: "test-secret", APIKey: "machine-key"}
	server, _ := createTestServer(t, auth, nil)

	t.Run("Unauthenticated", func(t *testing.T) {
		rr := postReceiver(server, receiverBody("sub-1", "hh-1"))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("APIKey", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/receiver", bytes.NewBuffer(receiverBody("sub-2", "hh-2")))
		req.Header.Set(APIKeyHeader, "machine-key")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected 200 with api key, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("BearerToken", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "mobile-client",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}

		req := httptest.NewRequest(http.MethodPost, "/api/receiver", bytes.NewBuffer(receiverBody("sub-3", "hh-3")))
		req.Header.Set("Authorization", "Bearer "+signed)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected 200 with bearer token, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("BadToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/receiver", bytes.NewBuffer(receiverBody("sub-4", "hh-4")))
		req.Header.Set("Authorization", "Bearer not-a-token")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("HealthBypassesAuth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t, domain.AuthConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse body: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
}
