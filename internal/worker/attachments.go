package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldworks/curlew/internal/domain"
)

// AttachmentFetcher retrieves one attachment of a submission from the
// mobile platform.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, domainName, submissionID, name string) (io.ReadCloser, error)
}

// HTTPFetcher fetches attachments over the platform's REST API.
type HTTPFetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher against the given platform base URL.
func NewHTTPFetcher(baseURL, apiKey string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads a single attachment.
func (f *HTTPFetcher) Fetch(ctx context.Context, domainName, submissionID, name string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/a/%s/api/form/attachment/%s/%s",
		f.baseURL,
		url.PathEscape(domainName),
		url.PathEscape(submissionID),
		url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("attachment fetch returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// AttachmentWorker consumes attachment jobs from the bus and downloads the
// files to local storage. Downloads are retried with backoff and are
// idempotent per visit: files already on disk are skipped, so redelivered
// jobs are cheap no-ops.
type AttachmentWorker struct {
	bus     domain.EventBus
	fetcher AttachmentFetcher
	dir     string
	logger  *slog.Logger

	maxAttempts int
	backoff     time.Duration

	sub domain.Subscription
}

// AttachmentWorkerConfig holds tuning knobs for the download worker.
type AttachmentWorkerConfig struct {
	// Dir is the root directory attachments are stored under.
	Dir string

	// MaxAttempts per file. Defaults to 3.
	MaxAttempts int

	// Backoff is the initial retry delay, doubled per attempt.
	// Defaults to 500ms.
	Backoff time.Duration
}

// NewAttachmentWorker creates the download worker.
func NewAttachmentWorker(bus domain.EventBus, fetcher AttachmentFetcher, cfg AttachmentWorkerConfig, logger *slog.Logger) *AttachmentWorker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentWorker{
		bus:         bus,
		fetcher:     fetcher,
		dir:         cfg.Dir,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
}

// Start subscribes to the attachment topic.
func (w *AttachmentWorker) Start(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, domain.TopicVisitAttachments, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", domain.TopicVisitAttachments, err)
	}
	w.sub = sub

	w.logger.Info("attachment worker started",
		"topic", domain.TopicVisitAttachments,
		"dir", w.dir)
	return nil
}

// Stop unsubscribes from the bus.
func (w *AttachmentWorker) Stop() error {
	if w.sub == nil {
		return nil
	}
	err := w.sub.Unsubscribe()
	w.sub = nil
	return err
}

func (w *AttachmentWorker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var job domain.AttachmentJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.logger.Error("failed to parse attachment job",
			"message_id", msg.ID,
			"error", err)
		return err
	}
	return w.Process(ctx, &job)
}

// Process downloads all attachments of one job.
func (w *AttachmentWorker) Process(ctx context.Context, job *domain.AttachmentJob) error {
	start := time.Now()
	visitDir := filepath.Join(w.dir, job.VisitID)
	if err := os.MkdirAll(visitDir, 0o755); err != nil {
		return fmt.Errorf("create visit dir: %w", err)
	}

	var failed int
	for _, name := range job.Attachments {
		dest := filepath.Join(visitDir, filepath.Base(name))
		if _, err := os.Stat(dest); err == nil {
			continue
		}

		if err := w.download(ctx, job, name, dest); err != nil {
			failed++
			w.logger.Error("attachment download failed",
				"visit_id", job.VisitID,
				"attachment", name,
				"error", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d attachments failed for visit %s",
			failed, len(job.Attachments), job.VisitID)
	}

	w.logger.Info("attachments downloaded",
		"visit_id", job.VisitID,
		"count", len(job.Attachments),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// download fetches one file with retries, writing through a temp file so a
// partial download never passes the exists check on redelivery.
func (w *AttachmentWorker) download(ctx context.Context, job *domain.AttachmentJob, name, dest string) error {
	var lastErr error
	delay := w.backoff

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		body, err := w.fetcher.Fetch(ctx, job.Domain, job.SubmissionID, name)
		if err != nil {
			lastErr = err
			continue
		}

		err = writeFile(dest, body)
		body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func writeFile(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dest)
}
