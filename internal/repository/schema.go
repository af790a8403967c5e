package repository

// Schema definitions for the curlew database.
// Compatible with both SQLite and PostgreSQL.

const schemaApplications = `
CREATE TABLE IF NOT EXISTS applications (
    id TEXT PRIMARY KEY,
    domain TEXT NOT NULL,
    app_id TEXT NOT NULL,
    name TEXT NOT NULL,
    UNIQUE (domain, app_id)
);
`

const schemaOpportunities = `
CREATE TABLE IF NOT EXISTS opportunities (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP NOT NULL,
    auto_approve_visits INTEGER NOT NULL DEFAULT 0,
    deliver_app_id TEXT,
    learn_app_id TEXT,
    duplicate_check INTEGER NOT NULL DEFAULT 1,
    gps_required INTEGER NOT NULL DEFAULT 0,
    min_visit_distance_m REAL NOT NULL DEFAULT 0,
    catchment_enforced INTEGER NOT NULL DEFAULT 0,
    window_start TEXT NOT NULL DEFAULT '',
    window_end TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_opportunities_deliver_app ON opportunities(deliver_app_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_learn_app ON opportunities(learn_app_id);
`

const schemaWorkers = `
CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT ''
);
`

const schemaEnrollments = `
CREATE TABLE IF NOT EXISTS worker_enrollments (
    id TEXT PRIMARY KEY,
    opportunity_id TEXT NOT NULL,
    worker_id TEXT NOT NULL,
    suspended INTEGER NOT NULL DEFAULT 0,
    UNIQUE (opportunity_id, worker_id)
);

CREATE TABLE IF NOT EXISTS catchment_areas (
    id TEXT PRIMARY KEY,
    enrollment_id TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    radius_m REAL NOT NULL,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_catchment_enrollment ON catchment_areas(enrollment_id);
`

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    enrollment_id TEXT NOT NULL UNIQUE,
    end_date TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS claim_limits (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL,
    deliverable_type_id TEXT NOT NULL,
    max_visits INTEGER NOT NULL,
    end_date_override TIMESTAMP,
    UNIQUE (claim_id, deliverable_type_id)
);
`

const schemaDeliverables = `
CREATE TABLE IF NOT EXISTS payment_units (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    start_date TIMESTAMP NOT NULL,
    max_daily INTEGER NOT NULL,
    max_total INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deliverable_types (
    id TEXT PRIMARY KEY,
    application_id TEXT NOT NULL,
    slug TEXT NOT NULL,
    name TEXT NOT NULL,
    payment_unit_id TEXT NOT NULL,
    UNIQUE (application_id, slug)
);
`

const schemaFlagRules = `
CREATE TABLE IF NOT EXISTS deliver_unit_flag_rules (
    id TEXT PRIMARY KEY,
    opportunity_id TEXT NOT NULL,
    deliverable_type_id TEXT NOT NULL,
    require_attachments INTEGER NOT NULL DEFAULT 0,
    min_duration_minutes INTEGER NOT NULL DEFAULT 0,
    UNIQUE (opportunity_id, deliverable_type_id)
);

CREATE TABLE IF NOT EXISTS form_value_rules (
    id TEXT PRIMARY KEY,
    opportunity_id TEXT NOT NULL,
    deliverable_type_id TEXT NOT NULL,
    name TEXT NOT NULL,
    form_path TEXT NOT NULL,
    expected_value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_form_value_rules_scope ON form_value_rules(opportunity_id, deliverable_type_id);

CREATE TABLE IF NOT EXISTS custom_flag_rules (
    id TEXT PRIMARY KEY,
    opportunity_id TEXT NOT NULL,
    name TEXT NOT NULL,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_custom_flag_rules_opp ON custom_flag_rules(opportunity_id);
`

const schemaVisits = `
CREATE TABLE IF NOT EXISTS visits (
    id TEXT PRIMARY KEY,
    opportunity_id TEXT NOT NULL,
    worker_id TEXT NOT NULL,
    enrollment_id TEXT NOT NULL,
    deliverable_type_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_name TEXT NOT NULL DEFAULT '',
    visit_date TIMESTAMP NOT NULL,
    submission_id TEXT NOT NULL UNIQUE,
    app_build_id TEXT NOT NULL DEFAULT '',
    app_build_version TEXT NOT NULL DEFAULT '',
    form_json TEXT NOT NULL,
    location_raw TEXT NOT NULL DEFAULT '',
    lat REAL,
    lon REAL,
    status TEXT NOT NULL,
    flagged INTEGER NOT NULL DEFAULT 0,
    flag_reasons TEXT NOT NULL DEFAULT '[]',
    completed_work_id TEXT,
    review_status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_visits_scope ON visits(enrollment_id, deliverable_type_id);
CREATE INDEX IF NOT EXISTS idx_visits_entity ON visits(deliverable_type_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_visits_completed_work ON visits(completed_work_id);
`

const schemaCompletedWorks = `
CREATE TABLE IF NOT EXISTS completed_works (
    id TEXT PRIMARY KEY,
    enrollment_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payment_unit_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (enrollment_id, entity_id, payment_unit_id)
);
`

const schemaPayments = `
CREATE TABLE IF NOT EXISTS payment_accruals (
    enrollment_id TEXT PRIMARY KEY,
    approved_visits INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    enrollment_id TEXT NOT NULL,
    submission_id TEXT NOT NULL UNIQUE,
    score REAL NOT NULL,
    passing_score REAL NOT NULL,
    passed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaApplications,
		schemaOpportunities,
		schemaWorkers,
		schemaEnrollments,
		schemaClaims,
		schemaDeliverables,
		schemaFlagRules,
		schemaVisits,
		schemaCompletedWorks,
		schemaPayments,
		schemaAssessments,
	}
}
