package sqlite

// schema is applied on every open. All statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS failures (
    failure_id      TEXT PRIMARY KEY,
    repository      TEXT NOT NULL,
    branch          TEXT NOT NULL,
    workflow_name   TEXT NOT NULL,
    workflow_run_id INTEGER NOT NULL,
    commit_sha      TEXT NOT NULL,
    failure_reason  TEXT NOT NULL,
    logs            TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    status_reason   TEXT NOT NULL DEFAULT '',
    pr_number       INTEGER NOT NULL DEFAULT 0,
    pr_url          TEXT NOT NULL DEFAULT '',
    detected_at     TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    UNIQUE (repository, workflow_run_id)
);
CREATE INDEX IF NOT EXISTS idx_failures_repo ON failures(repository);
CREATE INDEX IF NOT EXISTS idx_failures_status ON failures(status);
CREATE INDEX IF NOT EXISTS idx_failures_detected ON failures(detected_at);

CREATE TABLE IF NOT EXISTS analyses (
    failure_id          TEXT PRIMARY KEY REFERENCES failures(failure_id),
    error_type          TEXT NOT NULL,
    category            TEXT NOT NULL,
    risk_score          INTEGER NOT NULL,
    confidence          INTEGER NOT NULL,
    effort_estimate     TEXT NOT NULL,
    proposed_fix        TEXT NOT NULL,
    files_to_modify     TEXT NOT NULL DEFAULT '[]',
    fix_commands        TEXT NOT NULL DEFAULT '[]',
    reasoning           TEXT NOT NULL DEFAULT '',
    affected_components TEXT NOT NULL DEFAULT '[]',
    model_id            TEXT NOT NULL DEFAULT '',
    response_latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    failure_id     TEXT NOT NULL,
    kind           TEXT NOT NULL,
    chosen         TEXT NOT NULL,
    alternatives   TEXT NOT NULL DEFAULT '[]',
    context_digest TEXT NOT NULL DEFAULT '',
    confidence     INTEGER NOT NULL DEFAULT 0,
    created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_failure ON decisions(failure_id);

CREATE TABLE IF NOT EXISTS circuits (
    signature       TEXT PRIMARY KEY,
    repository      TEXT NOT NULL,
    branch          TEXT NOT NULL,
    error_pattern   TEXT NOT NULL,
    state           TEXT NOT NULL,
    failure_count   INTEGER NOT NULL DEFAULT 0,
    last_failure_at TIMESTAMP,
    opened_at       TIMESTAMP,
    auto_reset_at   TIMESTAMP,
    history         TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_circuits_state ON circuits(state);
CREATE INDEX IF NOT EXISTS idx_circuits_repo ON circuits(repository);

CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id     TEXT PRIMARY KEY,
    repository      TEXT NOT NULL,
    remediation_id  TEXT NOT NULL,
    branch          TEXT NOT NULL,
    base_commit_sha TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    expires_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(status);
CREATE INDEX IF NOT EXISTS idx_snapshots_expires ON snapshots(expires_at);

CREATE TABLE IF NOT EXISTS snapshot_files (
    snapshot_id  TEXT NOT NULL REFERENCES snapshots(snapshot_id) ON DELETE CASCADE,
    path         TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    content      BLOB NOT NULL,
    PRIMARY KEY (snapshot_id, path)
);

CREATE TABLE IF NOT EXISTS health_checks (
    check_id           TEXT PRIMARY KEY,
    remediation_id     TEXT NOT NULL,
    snapshot_id        TEXT NOT NULL,
    repository         TEXT NOT NULL,
    branch             TEXT NOT NULL,
    scheduled_at       TIMESTAMP NOT NULL,
    executed_at        TIMESTAMP,
    passed             INTEGER,
    checks             TEXT NOT NULL DEFAULT '[]',
    triggered_rollback INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_health_pending ON health_checks(executed_at) WHERE executed_at IS NULL;

CREATE TABLE IF NOT EXISTS approvals (
    request_id         TEXT PRIMARY KEY,
    failure_id         TEXT NOT NULL,
    repository         TEXT NOT NULL,
    pr_number          INTEGER NOT NULL,
    deployment_id      INTEGER NOT NULL DEFAULT 0,
    environment_name   TEXT NOT NULL DEFAULT '',
    required_reviewers TEXT NOT NULL DEFAULT '[]',
    status             TEXT NOT NULL,
    created_at         TIMESTAMP NOT NULL,
    expires_at         TIMESTAMP NOT NULL,
    resolved_at        TIMESTAMP,
    resolved_by        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS patterns (
    pattern_id         TEXT PRIMARY KEY,
    repository         TEXT NOT NULL,
    branch             TEXT NOT NULL,
    failure_reason     TEXT NOT NULL,
    category           TEXT NOT NULL,
    error_signature    TEXT NOT NULL,
    proposed_fix       TEXT NOT NULL,
    files_modified     TEXT NOT NULL DEFAULT '[]',
    fix_commands       TEXT NOT NULL DEFAULT '[]',
    fix_successful     INTEGER NOT NULL,
    risk_score         INTEGER NOT NULL,
    resolution_time_ms INTEGER NOT NULL DEFAULT 0,
    embedding          BLOB,
    embedding_family   TEXT NOT NULL,
    created_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patterns_repo ON patterns(repository);
CREATE INDEX IF NOT EXISTS idx_patterns_sig ON patterns(error_signature);

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TIMESTAMP NOT NULL,
    actor       TEXT NOT NULL,
    action_kind TEXT NOT NULL,
    failure_id  TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    details     TEXT NOT NULL DEFAULT '{}',
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_failure ON audit_log(failure_id);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp);

CREATE TABLE IF NOT EXISTS remediation_metrics (
    metric_id            TEXT PRIMARY KEY,
    failure_id           TEXT NOT NULL,
    repository           TEXT NOT NULL,
    category             TEXT NOT NULL,
    risk_score           INTEGER NOT NULL,
    detection_latency_ms INTEGER NOT NULL,
    analysis_latency_ms  INTEGER NOT NULL,
    total_latency_ms     INTEGER NOT NULL,
    success              INTEGER NOT NULL,
    recorded_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_repo ON remediation_metrics(repository, recorded_at);

CREATE TABLE IF NOT EXISTS classification_feedback (
    failure_id         TEXT PRIMARY KEY,
    predicted_category TEXT NOT NULL,
    actual_category    TEXT NOT NULL,
    recorded_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
    repository  TEXT PRIMARY KEY,
    profile     TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL
);
`
