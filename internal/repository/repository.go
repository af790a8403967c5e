// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/geo"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// runner is the subset of *sql.DB / *sql.Tx the queries need.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements domain.Store over either a live connection or an open
// transaction.
type queries struct {
	run    runner
	driver string
}

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	queries
	db *sql.DB
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		queries: queries{run: db, driver: cfg.Driver},
		db:      db,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// InTx runs fn inside a single transaction. On SQLite the connection is
// opened with _txlock=immediate so intake transactions take the write lock
// up front; on PostgreSQL callers serialize via LockEnrollment.
func (r *SQLRepository) InTx(ctx context.Context, fn func(tx domain.Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	q := &queries{run: tx, driver: r.driver}
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// ---------------------------------------------------------------------------
// Resolution lookups

func (q *queries) GetApplicationByAppID(ctx context.Context, dom, appID string) (*domain.Application, error) {
	if dom == "" || appID == "" {
		return nil, fmt.Errorf("%w: domain and appID are required", ErrInvalidInput)
	}

	query := `SELECT id, domain, app_id, name FROM applications WHERE domain = ? AND app_id = ?`

	var a domain.Application
	err := q.run.QueryRowContext(ctx, q.rebind(query), dom, appID).Scan(&a.ID, &a.Domain, &a.AppID, &a.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *queries) GetWorkerByUsername(ctx context.Context, username string) (*domain.Worker, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	query := `SELECT id, username, name FROM workers WHERE username = ?`

	var w domain.Worker
	err := q.run.QueryRowContext(ctx, q.rebind(query), username).Scan(&w.ID, &w.Username, &w.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

const opportunityColumns = `id, name, start_date, end_date, auto_approve_visits,
	COALESCE(deliver_app_id, ''), COALESCE(learn_app_id, ''),
	duplicate_check, gps_required, min_visit_distance_m, catchment_enforced,
	window_start, window_end`

func scanOpportunity(scan func(dest ...any) error) (*domain.Opportunity, error) {
	var o domain.Opportunity
	var autoApprove, dupCheck, gpsReq, catchment int
	err := scan(
		&o.ID, &o.Name, &o.StartDate, &o.EndDate, &autoApprove,
		&o.DeliverAppID, &o.LearnAppID,
		&dupCheck, &gpsReq, &o.FlagConfig.MinVisitDistanceMeters, &catchment,
		&o.FlagConfig.WindowStart, &o.FlagConfig.WindowEnd,
	)
	if err != nil {
		return nil, err
	}
	o.AutoApproveVisits = autoApprove == 1
	o.FlagConfig.DuplicateCheck = dupCheck == 1
	o.FlagConfig.GPSRequired = gpsReq == 1
	o.FlagConfig.CatchmentEnforced = catchment == 1
	return &o, nil
}

func (q *queries) GetOpportunity(ctx context.Context, id string) (*domain.Opportunity, error) {
	query := fmt.Sprintf(`SELECT %s FROM opportunities WHERE id = ?`, opportunityColumns)

	o, err := scanOpportunity(q.run.QueryRowContext(ctx, q.rebind(query), id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// FindActiveOpportunity returns the single active opportunity for the app.
// More than one active match is a configuration error upstream, surfaced
// as domain.ErrAmbiguousOpportunity.
func (q *queries) FindActiveOpportunity(ctx context.Context, role domain.AppRole, appRef string, today time.Time) (*domain.Opportunity, error) {
	col := "deliver_app_id"
	if role == domain.RoleLearn {
		col = "learn_app_id"
	}

	query := fmt.Sprintf(`SELECT %s FROM opportunities WHERE %s = ?`, opportunityColumns, col)

	rows, err := q.run.QueryContext(ctx, q.rebind(query), appRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// The date window is applied through Opportunity.Active so there is a
	// single definition of "open on a given day".
	var matches []*domain.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, err
		}
		if !o.Active(today) {
			continue
		}
		matches = append(matches, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: app %s matches %d opportunities", domain.ErrAmbiguousOpportunity, appRef, len(matches))
	}
}

func (q *queries) GetEnrollment(ctx context.Context, opportunityID, workerID string) (*domain.WorkerEnrollment, error) {
	query := `SELECT id, opportunity_id, worker_id, suspended FROM worker_enrollments
		WHERE opportunity_id = ? AND worker_id = ?`

	var e domain.WorkerEnrollment
	var suspended int
	err := q.run.QueryRowContext(ctx, q.rebind(query), opportunityID, workerID).Scan(
		&e.ID, &e.OpportunityID, &e.WorkerID, &suspended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Suspended = suspended == 1
	return &e, nil
}

func (q *queries) ListCatchmentAreas(ctx context.Context, enrollmentID string) ([]*domain.CatchmentArea, error) {
	query := `SELECT id, enrollment_id, lat, lon, radius_m, active FROM catchment_areas
		WHERE enrollment_id = ? ORDER BY id`

	rows, err := q.run.QueryContext(ctx, q.rebind(query), enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var areas []*domain.CatchmentArea
	for rows.Next() {
		var c domain.CatchmentArea
		var active int
		if err := rows.Scan(&c.ID, &c.EnrollmentID, &c.Center.Lat, &c.Center.Lon, &c.RadiusMeters, &active); err != nil {
			return nil, err
		}
		c.Active = active == 1
		areas = append(areas, &c)
	}
	return areas, rows.Err()
}

func (q *queries) GetDeliverableTypeBySlug(ctx context.Context, applicationID, slug string) (*domain.DeliverableType, error) {
	query := `SELECT id, application_id, slug, name, payment_unit_id FROM deliverable_types
		WHERE application_id = ? AND slug = ?`

	var d domain.DeliverableType
	err := q.run.QueryRowContext(ctx, q.rebind(query), applicationID, slug).Scan(
		&d.ID, &d.ApplicationID, &d.Slug, &d.Name, &d.PaymentUnitID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (q *queries) GetPaymentUnit(ctx context.Context, id string) (*domain.PaymentUnit, error) {
	query := `SELECT id, name, start_date, max_daily, max_total FROM payment_units WHERE id = ?`

	var p domain.PaymentUnit
	err := q.run.QueryRowContext(ctx, q.rebind(query), id).Scan(
		&p.ID, &p.Name, &p.StartDate, &p.MaxDaily, &p.MaxTotal,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) GetClaim(ctx context.Context, enrollmentID string) (*domain.Claim, error) {
	query := `SELECT id, enrollment_id, end_date FROM claims WHERE enrollment_id = ?`

	var c domain.Claim
	err := q.run.QueryRowContext(ctx, q.rebind(query), enrollmentID).Scan(&c.ID, &c.EnrollmentID, &c.EndDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *queries) GetClaimLimit(ctx context.Context, claimID, deliverableTypeID string) (*domain.ClaimLimit, error) {
	query := `SELECT id, claim_id, deliverable_type_id, max_visits, end_date_override
		FROM claim_limits WHERE claim_id = ? AND deliverable_type_id = ?`

	var c domain.ClaimLimit
	var override sql.NullTime
	err := q.run.QueryRowContext(ctx, q.rebind(query), claimID, deliverableTypeID).Scan(
		&c.ID, &c.ClaimID, &c.DeliverableTypeID, &c.MaxVisits, &override,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if override.Valid {
		c.EndDateOverride = override.Time
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Flag configuration

func (q *queries) GetDeliverUnitFlagRule(ctx context.Context, opportunityID, deliverableTypeID string) (*domain.DeliverUnitFlagRule, error) {
	query := `SELECT id, opportunity_id, deliverable_type_id, require_attachments, min_duration_minutes
		FROM deliver_unit_flag_rules WHERE opportunity_id = ? AND deliverable_type_id = ?`

	var r domain.DeliverUnitFlagRule
	var reqAtt int
	err := q.run.QueryRowContext(ctx, q.rebind(query), opportunityID, deliverableTypeID).Scan(
		&r.ID, &r.OpportunityID, &r.DeliverableTypeID, &reqAtt, &r.MinDurationMinutes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RequireAttachments = reqAtt == 1
	return &r, nil
}

func (q *queries) ListFormValueRules(ctx context.Context, opportunityID, deliverableTypeID string) ([]*domain.FormValueRule, error) {
	query := `SELECT id, opportunity_id, deliverable_type_id, name, form_path, expected_value
		FROM form_value_rules WHERE opportunity_id = ? AND deliverable_type_id = ? ORDER BY name`

	rows, err := q.run.QueryContext(ctx, q.rebind(query), opportunityID, deliverableTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FormValueRule
	for rows.Next() {
		var r domain.FormValueRule
		if err := rows.Scan(&r.ID, &r.OpportunityID, &r.DeliverableTypeID, &r.Name, &r.FormPath, &r.ExpectedValue); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (q *queries) ListCustomFlagRules(ctx context.Context, opportunityID string) ([]*domain.CustomFlagRule, error) {
	query := `SELECT id, opportunity_id, name, expression, enabled
		FROM custom_flag_rules WHERE opportunity_id = ? AND enabled = 1 ORDER BY name`

	rows, err := q.run.QueryContext(ctx, q.rebind(query), opportunityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CustomFlagRule
	for rows.Next() {
		var r domain.CustomFlagRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.OpportunityID, &r.Name, &r.Expression, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled == 1
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Counting, locking, visits

// LockEnrollment serializes concurrent intakes for the same enrollment.
// PostgreSQL takes a row lock; SQLite transactions already hold the write
// lock (the DSN opens with _txlock=immediate), so no statement is needed.
func (q *queries) LockEnrollment(ctx context.Context, enrollmentID string) error {
	if q.driver != "postgres" {
		return nil
	}
	var id string
	err := q.run.QueryRowContext(ctx,
		q.rebind(`SELECT id FROM worker_enrollments WHERE id = ? FOR UPDATE`), enrollmentID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// nonCountingStatuses is the NOT IN list for limit counting, derived from
// VisitStatus.CountsTowardLimits so the SQL cannot drift from the status
// rules.
var nonCountingStatuses = func() string {
	all := []domain.VisitStatus{
		domain.VisitPending, domain.VisitApproved, domain.VisitRejected,
		domain.VisitDuplicate, domain.VisitTrial, domain.VisitOverLimit,
	}
	var excluded []string
	for _, s := range all {
		if !s.CountsTowardLimits() {
			excluded = append(excluded, "'"+string(s)+"'")
		}
	}
	return strings.Join(excluded, ", ")
}()

// CountVisits computes the three limit counters in one scan, excluding
// visits that accrue nothing (trial, over_limit).
func (q *queries) CountVisits(ctx context.Context, enrollmentID, deliverableTypeID, entityID string, visitDate time.Time) (domain.VisitCounts, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN visit_date = ? THEN 1 ELSE 0 END), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN entity_id = ? THEN 1 ELSE 0 END), 0)
		FROM visits
		WHERE enrollment_id = ?
		  AND deliverable_type_id = ?
		  AND status NOT IN (` + nonCountingStatuses + `)
	`

	var c domain.VisitCounts
	day := visitDate.UTC().Truncate(24 * time.Hour)
	err := q.run.QueryRowContext(ctx, q.rebind(query),
		day, entityID, enrollmentID, deliverableTypeID,
	).Scan(&c.Daily, &c.Total, &c.Entity)
	if err != nil {
		return domain.VisitCounts{}, fmt.Errorf("failed to count visits: %w", err)
	}
	return c, nil
}

const visitColumns = `id, opportunity_id, worker_id, enrollment_id, deliverable_type_id,
	entity_id, entity_name, visit_date, submission_id, app_build_id, app_build_version,
	form_json, location_raw, status, flagged, flag_reasons,
	COALESCE(completed_work_id, ''), review_status, created_at`

func scanVisit(scan func(dest ...any) error) (*domain.Visit, error) {
	var v domain.Visit
	var flagged int
	var formJSON, flagReasons string
	err := scan(
		&v.ID, &v.OpportunityID, &v.WorkerID, &v.EnrollmentID, &v.DeliverableTypeID,
		&v.EntityID, &v.EntityName, &v.VisitDate, &v.SubmissionID, &v.AppBuildID, &v.AppBuildVersion,
		&formJSON, &v.LocationRaw, &v.Status, &flagged, &flagReasons,
		&v.CompletedWorkID, &v.ReviewStatus, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Flagged = flagged == 1
	if formJSON != "" {
		if err := json.Unmarshal([]byte(formJSON), &v.Form); err != nil {
			return nil, fmt.Errorf("failed to decode form for visit %s: %w", v.ID, err)
		}
	}
	if flagReasons != "" {
		if err := json.Unmarshal([]byte(flagReasons), &v.FlagReasons); err != nil {
			return nil, fmt.Errorf("failed to decode flags for visit %s: %w", v.ID, err)
		}
	}
	return &v, nil
}

func (q *queries) GetVisit(ctx context.Context, id string) (*domain.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE id = ?`
	v, err := scanVisitRow(q.run.QueryRowContext(ctx, q.rebind(query), id))
	return v, err
}

func (q *queries) GetVisitBySubmissionID(ctx context.Context, submissionID string) (*domain.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE submission_id = ?`
	return scanVisitRow(q.run.QueryRowContext(ctx, q.rebind(query), submissionID))
}

func scanVisitRow(row *sql.Row) (*domain.Visit, error) {
	v, err := scanVisit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (q *queries) SaveVisit(ctx context.Context, v *domain.Visit) error {
	if v.ID == "" || v.SubmissionID == "" {
		return fmt.Errorf("%w: visit id and submission id are required", ErrInvalidInput)
	}

	formJSON, err := json.Marshal(v.Form)
	if err != nil {
		return fmt.Errorf("failed to encode form for visit %s: %w", v.ID, err)
	}
	flagReasons, err := json.Marshal(v.FlagReasons)
	if err != nil {
		return fmt.Errorf("failed to encode flags for visit %s: %w", v.ID, err)
	}
	if v.FlagReasons == nil {
		flagReasons = []byte("[]")
	}

	flagged := 0
	if v.Flagged {
		flagged = 1
	}

	var completedWorkID any
	if v.CompletedWorkID != "" {
		completedWorkID = v.CompletedWorkID
	}

	var lat, lon any
	if p, ok := geo.Parse(v.LocationRaw); ok {
		lat, lon = p.Lat, p.Lon
	}

	query := `
		INSERT INTO visits (
			id, opportunity_id, worker_id, enrollment_id, deliverable_type_id,
			entity_id, entity_name, visit_date, submission_id, app_build_id, app_build_version,
			form_json, location_raw, lat, lon, status, flagged, flag_reasons,
			completed_work_id, review_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.run.ExecContext(ctx, q.rebind(query),
		v.ID, v.OpportunityID, v.WorkerID, v.EnrollmentID, v.DeliverableTypeID,
		v.EntityID, v.EntityName, v.VisitDate, v.SubmissionID, v.AppBuildID, v.AppBuildVersion,
		string(formJSON), v.LocationRaw, lat, lon, string(v.Status), flagged, string(flagReasons),
		completedWorkID, string(v.ReviewStatus), v.CreatedAt,
	)
	return err
}

func (q *queries) ListVisitLocations(ctx context.Context, deliverableTypeID, excludeEntityID string) ([]domain.Point, error) {
	query := `
		SELECT lat, lon FROM visits
		WHERE deliverable_type_id = ?
		  AND entity_id != ?
		  AND status != 'trial'
		  AND lat IS NOT NULL AND lon IS NOT NULL
	`

	rows, err := q.run.QueryContext(ctx, q.rebind(query), deliverableTypeID, excludeEntityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.Point
	for rows.Next() {
		var p domain.Point
		if err := rows.Scan(&p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ---------------------------------------------------------------------------
// Completed work

func (q *queries) GetCompletedWork(ctx context.Context, id string) (*domain.CompletedWork, error) {
	query := `SELECT id, enrollment_id, entity_id, payment_unit_id, status, created_at, updated_at
		FROM completed_works WHERE id = ?`

	var w domain.CompletedWork
	err := q.run.QueryRowContext(ctx, q.rebind(query), id).Scan(
		&w.ID, &w.EnrollmentID, &w.EntityID, &w.PaymentUnitID, &w.Status, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetOrCreateCompletedWork fetches the aggregate for the key, creating it
// in incomplete status on first touch. Runs under the enrollment lock so
// the unique key cannot race inside a single intake flow; the ON CONFLICT
// guard covers cross-enrollment administrative writes.
func (q *queries) GetOrCreateCompletedWork(ctx context.Context, enrollmentID, entityID, paymentUnitID string) (*domain.CompletedWork, error) {
	sel := `SELECT id, enrollment_id, entity_id, payment_unit_id, status, created_at, updated_at
		FROM completed_works WHERE enrollment_id = ? AND entity_id = ? AND payment_unit_id = ?`

	scanOne := func() (*domain.CompletedWork, error) {
		var w domain.CompletedWork
		err := q.run.QueryRowContext(ctx, q.rebind(sel), enrollmentID, entityID, paymentUnitID).Scan(
			&w.ID, &w.EnrollmentID, &w.EntityID, &w.PaymentUnitID, &w.Status, &w.CreatedAt, &w.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		return &w, nil
	}

	w, err := scanOne()
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	ins := `
		INSERT INTO completed_works (id, enrollment_id, entity_id, payment_unit_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (enrollment_id, entity_id, payment_unit_id) DO NOTHING
	`
	if _, err := q.run.ExecContext(ctx, q.rebind(ins),
		uuid.New().String(), enrollmentID, entityID, paymentUnitID,
		string(domain.WorkIncomplete), now, now,
	); err != nil {
		return nil, err
	}

	return scanOne()
}

func (q *queries) UpdateCompletedWorkStatus(ctx context.Context, id string, status domain.CompletedWorkStatus) error {
	query := `UPDATE completed_works SET status = ?, updated_at = ? WHERE id = ?`

	result, err := q.run.ExecContext(ctx, q.rebind(query), string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) CountNonRejectedVisits(ctx context.Context, completedWorkID string) (int, error) {
	query := `SELECT COUNT(*) FROM visits WHERE completed_work_id = ? AND status != 'rejected'`

	var count int
	err := q.run.QueryRowContext(ctx, q.rebind(query), completedWorkID).Scan(&count)
	return count, err
}

// ---------------------------------------------------------------------------
// Payment accrual

func (q *queries) CountApprovedVisits(ctx context.Context, enrollmentID string) (int, error) {
	query := `SELECT COUNT(*) FROM visits WHERE enrollment_id = ? AND status = 'approved'`

	var count int
	err := q.run.QueryRowContext(ctx, q.rebind(query), enrollmentID).Scan(&count)
	return count, err
}

func (q *queries) UpsertPaymentAccrual(ctx context.Context, enrollmentID string, approvedVisits int) error {
	query := `
		INSERT INTO payment_accruals (enrollment_id, approved_visits, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (enrollment_id) DO UPDATE SET
			approved_visits = excluded.approved_visits,
			updated_at = excluded.updated_at
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), enrollmentID, approvedVisits, time.Now().UTC())
	return err
}

// ---------------------------------------------------------------------------
// Learn branch

// InsertAssessment is insert-only. Resubmission of a known submission id
// is a configuration fault upstream and surfaces the fatal sentinel.
func (q *queries) InsertAssessment(ctx context.Context, a *domain.Assessment) error {
	var existing string
	err := q.run.QueryRowContext(ctx,
		q.rebind(`SELECT id FROM assessments WHERE submission_id = ?`), a.SubmissionID,
	).Scan(&existing)
	if err == nil {
		return domain.ErrDuplicateAssessment
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	passed := 0
	if a.Passed {
		passed = 1
	}

	query := `
		INSERT INTO assessments (id, enrollment_id, submission_id, score, passing_score, passed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.run.ExecContext(ctx, q.rebind(query),
		a.ID, a.EnrollmentID, a.SubmissionID, a.Score, a.PassingScore, passed, a.CreatedAt,
	)
	return err
}

// ---------------------------------------------------------------------------
// Configuration writes

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (q *queries) SaveApplication(ctx context.Context, a *domain.Application) error {
	query := `
		INSERT INTO applications (id, domain, app_id, name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET domain = excluded.domain, app_id = excluded.app_id, name = excluded.name
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), a.ID, a.Domain, a.AppID, a.Name)
	return err
}

func (q *queries) SaveOpportunity(ctx context.Context, o *domain.Opportunity) error {
	var deliverApp, learnApp any
	if o.DeliverAppID != "" {
		deliverApp = o.DeliverAppID
	}
	if o.LearnAppID != "" {
		learnApp = o.LearnAppID
	}

	query := `
		INSERT INTO opportunities (
			id, name, start_date, end_date, auto_approve_visits,
			deliver_app_id, learn_app_id,
			duplicate_check, gps_required, min_visit_distance_m, catchment_enforced,
			window_start, window_end
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			auto_approve_visits = excluded.auto_approve_visits,
			deliver_app_id = excluded.deliver_app_id,
			learn_app_id = excluded.learn_app_id,
			duplicate_check = excluded.duplicate_check,
			gps_required = excluded.gps_required,
			min_visit_distance_m = excluded.min_visit_distance_m,
			catchment_enforced = excluded.catchment_enforced,
			window_start = excluded.window_start,
			window_end = excluded.window_end
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query),
		o.ID, o.Name, o.StartDate, o.EndDate, boolInt(o.AutoApproveVisits),
		deliverApp, learnApp,
		boolInt(o.FlagConfig.DuplicateCheck), boolInt(o.FlagConfig.GPSRequired),
		o.FlagConfig.MinVisitDistanceMeters, boolInt(o.FlagConfig.CatchmentEnforced),
		o.FlagConfig.WindowStart, o.FlagConfig.WindowEnd,
	)
	return err
}

func (q *queries) SaveWorker(ctx context.Context, w *domain.Worker) error {
	query := `
		INSERT INTO workers (id, username, name)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, name = excluded.name
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), w.ID, w.Username, w.Name)
	return err
}

func (q *queries) SaveEnrollment(ctx context.Context, e *domain.WorkerEnrollment) error {
	query := `
		INSERT INTO worker_enrollments (id, opportunity_id, worker_id, suspended)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET suspended = excluded.suspended
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), e.ID, e.OpportunityID, e.WorkerID, boolInt(e.Suspended))
	return err
}

func (q *queries) SaveCatchmentArea(ctx context.Context, c *domain.CatchmentArea) error {
	query := `
		INSERT INTO catchment_areas (id, enrollment_id, lat, lon, radius_m, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			lat = excluded.lat, lon = excluded.lon,
			radius_m = excluded.radius_m, active = excluded.active
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query),
		c.ID, c.EnrollmentID, c.Center.Lat, c.Center.Lon, c.RadiusMeters, boolInt(c.Active),
	)
	return err
}

func (q *queries) SaveClaim(ctx context.Context, c *domain.Claim) error {
	query := `
		INSERT INTO claims (id, enrollment_id, end_date)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET end_date = excluded.end_date
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), c.ID, c.EnrollmentID, c.EndDate)
	return err
}

func (q *queries) SaveClaimLimit(ctx context.Context, c *domain.ClaimLimit) error {
	var override any
	if !c.EndDateOverride.IsZero() {
		override = c.EndDateOverride
	}

	query := `
		INSERT INTO claim_limits (id, claim_id, deliverable_type_id, max_visits, end_date_override)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			max_visits = excluded.max_visits,
			end_date_override = excluded.end_date_override
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), c.ID, c.ClaimID, c.DeliverableTypeID, c.MaxVisits, override)
	return err
}

func (q *queries) SaveDeliverableType(ctx context.Context, d *domain.DeliverableType) error {
	query := `
		INSERT INTO deliverable_types (id, application_id, slug, name, payment_unit_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			slug = excluded.slug, name = excluded.name, payment_unit_id = excluded.payment_unit_id
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), d.ID, d.ApplicationID, d.Slug, d.Name, d.PaymentUnitID)
	return err
}

func (q *queries) SavePaymentUnit(ctx context.Context, p *domain.PaymentUnit) error {
	query := `
		INSERT INTO payment_units (id, name, start_date, max_daily, max_total)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, start_date = excluded.start_date,
			max_daily = excluded.max_daily, max_total = excluded.max_total
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), p.ID, p.Name, p.StartDate, p.MaxDaily, p.MaxTotal)
	return err
}

func (q *queries) SaveDeliverUnitFlagRule(ctx context.Context, r *domain.DeliverUnitFlagRule) error {
	query := `
		INSERT INTO deliver_unit_flag_rules (id, opportunity_id, deliverable_type_id, require_attachments, min_duration_minutes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			require_attachments = excluded.require_attachments,
			min_duration_minutes = excluded.min_duration_minutes
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query),
		r.ID, r.OpportunityID, r.DeliverableTypeID, boolInt(r.RequireAttachments), r.MinDurationMinutes,
	)
	return err
}

func (q *queries) SaveFormValueRule(ctx context.Context, r *domain.FormValueRule) error {
	query := `
		INSERT INTO form_value_rules (id, opportunity_id, deliverable_type_id, name, form_path, expected_value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, form_path = excluded.form_path, expected_value = excluded.expected_value
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query),
		r.ID, r.OpportunityID, r.DeliverableTypeID, r.Name, r.FormPath, r.ExpectedValue,
	)
	return err
}

func (q *queries) SaveCustomFlagRule(ctx context.Context, r *domain.CustomFlagRule) error {
	query := `
		INSERT INTO custom_flag_rules (id, opportunity_id, name, expression, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, expression = excluded.expression, enabled = excluded.enabled
	`
	_, err := q.run.ExecContext(ctx, q.rebind(query), r.ID, r.OpportunityID, r.Name, r.Expression, boolInt(r.Enabled))
	return err
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (q *queries) rebind(query string) string {
	if q.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
