// Seed tool for curlew.
//
// Usage:
//   go run cmd/seed/main.go -db ./curlew.db
//   go run cmd/seed/main.go -db ./curlew.db -url http://localhost:8080 -count 500
//
// This tool:
//  1. Seeds a demo configuration graph (applications, opportunity, workers,
//     enrollments, deliverable types, payment units, claims, flag rules)
//  2. Optionally sends generated submissions against a running server and
//     reports the status distribution and throughput
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/geo"
	"github.com/fieldworks/curlew/internal/repository"
)

func main() {
	dbPath := flag.String("db", "./curlew.db", "Path to the SQLite database")
	baseURL := flag.String("url", "", "Server base URL; when set, submissions are sent after seeding")
	count := flag.Int("count", 100, "Number of submissions to send")
	workers := flag.Int("workers", 10, "Number of concurrent senders")
	workerCount := flag.Int("field-workers", 5, "Number of field workers to enroll")
	verbose := flag.Bool("verbose", false, "Print each submission result")
	flag.Parse()

	fmt.Println("curlew seed")
	fmt.Printf("  Database:      %s\n", *dbPath)
	if *baseURL != "" {
		fmt.Printf("  Server URL:    %s\n", *baseURL)
		fmt.Printf("  Submissions:   %d\n", *count)
		fmt.Printf("  Senders:       %d\n", *workers)
	}
	fmt.Println()

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: *dbPath})
	if err != nil {
		fmt.Printf("ERROR: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()
	graph, err := seedGraph(ctx, repo, *workerCount)
	if err != nil {
		fmt.Printf("ERROR: seeding failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded: 2 applications, 1 opportunity, %d workers, %d deliverable types\n",
		len(graph.usernames), len(graph.slugs))

	if *baseURL == "" {
		return
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: server not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("server is healthy")

	start := time.Now()
	metrics := send(graph, *baseURL, *count, *workers, *verbose)
	printResults(metrics, time.Since(start))
}

// demoGraph holds the identifiers the sender draws from.
type demoGraph struct {
	domainName string
	appID      string
	usernames  []string
	slugs      []string
}

func seedGraph(ctx context.Context, repo domain.Repository, workerCount int) (*demoGraph, error) {
	graph := &demoGraph{
		domainName: "demo-program",
		appID:      "deliver-app",
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	yearStart := today.AddDate(0, -6, 0)
	yearEnd := today.AddDate(0, 6, 0)

	if err := repo.SaveApplication(ctx, &domain.Application{
		ID: "app-deliver", Domain: graph.domainName, AppID: "deliver-app", Name: "Deliver",
	}); err != nil {
		return nil, err
	}
	if err := repo.SaveApplication(ctx, &domain.Application{
		ID: "app-learn", Domain: graph.domainName, AppID: "learn-app", Name: "Learn",
	}); err != nil {
		return nil, err
	}

	if err := repo.SaveOpportunity(ctx, &domain.Opportunity{
		ID:           "opp-demo",
		Name:         "Household Screening Program",
		StartDate:    yearStart,
		EndDate:      yearEnd,
		DeliverAppID: "app-deliver",
		LearnAppID:   "app-learn",
		FlagConfig: domain.VerificationFlagConfig{
			DuplicateCheck: true,
			GPSRequired:    true,
		},
	}); err != nil {
		return nil, err
	}

	units := []struct {
		slug, name string
		maxDaily   int
		maxTotal   int
	}{
		{"screening", "Household Screening", 15, 500},
		{"followup", "Follow-up Visit", 10, 200},
	}
	for i, u := range units {
		puID := fmt.Sprintf("pu-%d", i+1)
		if err := repo.SavePaymentUnit(ctx, &domain.PaymentUnit{
			ID: puID, Name: u.name, StartDate: yearStart, MaxDaily: u.maxDaily, MaxTotal: u.maxTotal,
		}); err != nil {
			return nil, err
		}
		if err := repo.SaveDeliverableType(ctx, &domain.DeliverableType{
			ID: fmt.Sprintf("dt-%d", i+1), ApplicationID: "app-deliver",
			Slug: u.slug, Name: u.name, PaymentUnitID: puID,
		}); err != nil {
			return nil, err
		}
		graph.slugs = append(graph.slugs, u.slug)
	}

	for i := 0; i < workerCount; i++ {
		username := fmt.Sprintf("worker%02d@%s.example.org", i+1, graph.domainName)
		workerID := fmt.Sprintf("wrk-%02d", i+1)
		enrollmentID := fmt.Sprintf("enr-%02d", i+1)

		if err := repo.SaveWorker(ctx, &domain.Worker{
			ID: workerID, Username: username, Name: fmt.Sprintf("Field Worker %02d", i+1),
		}); err != nil {
			return nil, err
		}
		if err := repo.SaveEnrollment(ctx, &domain.WorkerEnrollment{
			ID: enrollmentID, OpportunityID: "opp-demo", WorkerID: workerID,
		}); err != nil {
			return nil, err
		}
		if err := repo.SaveClaim(ctx, &domain.Claim{
			ID: fmt.Sprintf("clm-%02d", i+1), EnrollmentID: enrollmentID, EndDate: yearEnd,
		}); err != nil {
			return nil, err
		}
		graph.usernames = append(graph.usernames, username)
	}

	if err := repo.SaveDeliverUnitFlagRule(ctx, &domain.DeliverUnitFlagRule{
		ID: "dufr-1", OpportunityID: "opp-demo", DeliverableTypeID: "dt-1",
		RequireAttachments: true, MinDurationMinutes: 5,
	}); err != nil {
		return nil, err
	}
	if err := repo.SaveFormValueRule(ctx, &domain.FormValueRule{
		ID: "fvr-1", OpportunityID: "opp-demo", DeliverableTypeID: "dt-1",
		Name: "consent", FormPath: "deliver/consented", ExpectedValue: "yes",
	}); err != nil {
		return nil, err
	}
	if err := repo.SaveCustomFlagRule(ctx, &domain.CustomFlagRule{
		ID: "cfr-1", OpportunityID: "opp-demo",
		Name: "suspiciously-short", Expression: "duration_minutes < 2.0", Enabled: true,
	}); err != nil {
		return nil, err
	}

	return graph, nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// metrics tracks the sender's outcomes.
type metrics struct {
	accepted   int64
	badRequest int64
	failed     int64
	total      int64
	latencyMs  int64
}

func send(graph *demoGraph, baseURL string, count, numWorkers int, verbose bool) *metrics {
	m := &metrics{}
	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for n := range work {
				start := time.Now()
				status, err := postSubmission(client, baseURL, graph, n)
				atomic.AddInt64(&m.latencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.total, 1)

				switch {
				case err != nil:
					atomic.AddInt64(&m.failed, 1)
					if verbose {
						fmt.Printf("ERROR: submission %d: %v\n", n, err)
					}
				case status == http.StatusOK:
					atomic.AddInt64(&m.accepted, 1)
				case status == http.StatusBadRequest:
					atomic.AddInt64(&m.badRequest, 1)
				default:
					atomic.AddInt64(&m.failed, 1)
					if verbose {
						fmt.Printf("submission %d: unexpected status %d\n", n, status)
					}
				}
			}
		}()
	}

	for n := 0; n < count; n++ {
		work <- n
	}
	close(work)
	wg.Wait()

	return m
}

func postSubmission(client *http.Client, baseURL string, graph *demoGraph, n int) (int, error) {
	username := graph.usernames[n%len(graph.usernames)]
	slug := graph.slugs[n%len(graph.slugs)]
	now := time.Now().UTC()
	point := domain.Point{Lat: 12.90 + float64(n%50)*0.01, Lon: 77.55 + float64(n%50)*0.01}

	payload := map[string]any{
		"domain":      graph.domainName,
		"id":          fmt.Sprintf("seed-sub-%06d", n),
		"app_id":      graph.appID,
		"build_id":    "seed-build",
		"received_on": now.Format(time.RFC3339),
		"form": map[string]any{
			"deliver": map[string]any{
				"deliver_unit": slug,
				"entity_id":    fmt.Sprintf("hh-%04d", n),
				"entity_name":  fmt.Sprintf("Household %04d", n),
				"consented":    "yes",
			},
		},
		"metadata": map[string]any{
			"timeStart":         now.Add(-12 * time.Minute).Format(time.RFC3339),
			"timeEnd":           now.Format(time.RFC3339),
			"app_build_version": "1",
			"username":          username,
			"location":          geo.Format(point) + " 900 4",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/receiver", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

func printResults(m *metrics, duration time.Duration) {
	fmt.Println()
	fmt.Println("results")
	fmt.Printf("  Total sent:    %d\n", m.total)
	fmt.Printf("  Accepted:      %d\n", m.accepted)
	fmt.Printf("  Bad requests:  %d\n", m.badRequest)
	fmt.Printf("  Failed:        %d\n", m.failed)
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	if m.total > 0 {
		fmt.Printf("  Avg latency:   %.2f ms\n", float64(m.latencyMs)/float64(m.total))
		fmt.Printf("  Throughput:    %.2f submissions/sec\n", float64(m.total)/duration.Seconds())
	}
	fmt.Println()
}
