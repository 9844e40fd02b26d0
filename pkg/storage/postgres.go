package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

//go:embed migrations/*.sql
var postgresFS embed.FS

const rolloutColumns = `id, cluster, namespace, deployment, generation, status, origin,
		started_at, completed_at, failed_at, metadata, team, slack_channel,
		diagnosis_id, analysis_status, notify_status, claimed_by`

const incidentColumns = `id, cluster, namespace, incident_type, window_start, window_end,
		occurrence_count, detail, analysis_status, notify_status, claimed_by`

// PostgresStore implements Store interface using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}

	// Run migrations
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// newPostgresStoreWithDB wires an existing handle, used by tests.
func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// migrate runs database migrations
func (s *PostgresStore) migrate() error {
	schema, err := postgresFS.ReadFile("migrations/001_postgres_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// CreateRollout inserts a new rollout record
func (s *PostgresStore) CreateRollout(ctx context.Context, r *models.Rollout) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = models.RolloutPending
	}
	if r.Origin == "" {
		r.Origin = models.OriginCluster
	}
	if r.AnalysisStatus == "" {
		r.AnalysisStatus = models.AnalysisNone
	}
	if r.NotifyStatus == "" {
		r.NotifyStatus = models.NotifyPending
	}

	metadata, err := json.Marshal(metadataOrEmpty(r.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO rollouts (
			id, cluster, namespace, deployment, generation, status, origin,
			started_at, metadata, team, slack_channel, analysis_status, notify_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Cluster, r.Namespace, r.Deployment, r.Generation,
		r.Status, r.Origin, r.StartedAt, metadata,
		nullString(r.Team), nullString(r.SlackChannel),
		r.AnalysisStatus, r.NotifyStatus,
	)

	return err
}

// GetRollout retrieves a rollout by ID
func (s *PostgresStore) GetRollout(ctx context.Context, id string) (*models.Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM rollouts WHERE id = $1`
	return scanRollout(s.db.QueryRowContext(ctx, query, id))
}

// GetRolloutByKey retrieves the rollout for one deployment generation
func (s *PostgresStore) GetRolloutByKey(ctx context.Context, cluster, namespace, deployment string, generation int64) (*models.Rollout, error) {
	query := `
		SELECT ` + rolloutColumns + `
		FROM rollouts
		WHERE cluster = $1 AND namespace = $2 AND deployment = $3 AND generation = $4
	`
	return scanRollout(s.db.QueryRowContext(ctx, query, cluster, namespace, deployment, generation))
}

// ListActiveRollouts returns rollouts still in a non-terminal status
func (s *PostgresStore) ListActiveRollouts(ctx context.Context, cluster string) ([]*models.Rollout, error) {
	query := `
		SELECT ` + rolloutColumns + `
		FROM rollouts
		WHERE cluster = $1 AND status IN ('PENDING', 'ROLLING_OUT')
		ORDER BY started_at
	`
	return s.queryRollouts(ctx, query, cluster)
}

// ListRecentRollouts returns the most recently started rollouts
func (s *PostgresStore) ListRecentRollouts(ctx context.Context, cluster string, limit int) ([]*models.Rollout, error) {
	query := `
		SELECT ` + rolloutColumns + `
		FROM rollouts
		WHERE cluster = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	return s.queryRollouts(ctx, query, cluster, limit)
}

// ListClaimableRollouts returns failed rollouts nobody is investigating
func (s *PostgresStore) ListClaimableRollouts(ctx context.Context, cluster string, limit int) ([]*models.Rollout, error) {
	query := `
		SELECT ` + rolloutColumns + `
		FROM rollouts
		WHERE cluster = $1 AND status = 'FAILED'
			AND analysis_status IN ('NONE', 'RATE_LIMITED')
		ORDER BY failed_at
		LIMIT $2
	`
	return s.queryRollouts(ctx, query, cluster, limit)
}

// UpdateRolloutStatus applies a phase transition. The WHERE clause keeps
// transitions monotonic: a terminal row is never rewritten, a same-status
// write is a no-op, and nothing moves back to PENDING.
func (s *PostgresStore) UpdateRolloutStatus(ctx context.Context, id string, status models.RolloutStatus, at time.Time) error {
	query := `
		UPDATE rollouts
		SET status = $2,
			completed_at = CASE WHEN $2 = 'SUCCEEDED' THEN $3 ELSE completed_at END,
			failed_at = CASE WHEN $2 = 'FAILED' THEN $3 ELSE failed_at END
		WHERE id = $1
			AND status IN ('PENDING', 'ROLLING_OUT')
			AND status <> $2
			AND $2 IN ('ROLLING_OUT', 'SUCCEEDED', 'FAILED')
	`
	_, err := s.db.ExecContext(ctx, query, id, status, at)
	return err
}

// UpdateRolloutMetadata refreshes the captured namespace metadata
func (s *PostgresStore) UpdateRolloutMetadata(ctx context.Context, id string, metadata map[string]string, team, slackChannel string) error {
	encoded, err := json.Marshal(metadataOrEmpty(metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		UPDATE rollouts
		SET metadata = metadata || $2::jsonb,
			team = COALESCE(NULLIF($3, ''), team),
			slack_channel = COALESCE(NULLIF($4, ''), slack_channel)
		WHERE id = $1
	`
	_, err = s.db.ExecContext(ctx, query, id, encoded, team, slackChannel)
	return err
}

// UpsertExternalMetadata records CI-reported metadata for a rollout
func (s *PostgresStore) UpsertExternalMetadata(ctx context.Context, meta *ExternalMetadata) (*models.Rollout, error) {
	metadata := map[string]string{}
	if meta.GitProject != "" {
		metadata["git_project"] = meta.GitProject
	}
	if meta.GitCommit != "" {
		metadata["git_commit"] = meta.GitCommit
	}
	if meta.PipelineURL != "" {
		metadata["pipeline_url"] = meta.PipelineURL
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO rollouts (
			id, cluster, namespace, deployment, generation, status, origin,
			started_at, metadata, team, slack_channel, analysis_status, notify_status
		) VALUES ($1, $2, $3, $4, $5, 'PENDING', 'external', $6, $7, NULLIF($8, ''), NULLIF($9, ''), 'NONE', 'PENDING')
		ON CONFLICT (cluster, namespace, deployment, generation) DO UPDATE SET
			origin = CASE WHEN rollouts.origin = 'cluster' THEN 'mixed' ELSE rollouts.origin END,
			metadata = rollouts.metadata || EXCLUDED.metadata,
			team = COALESCE(EXCLUDED.team, rollouts.team),
			slack_channel = COALESCE(EXCLUDED.slack_channel, rollouts.slack_channel)
		RETURNING ` + rolloutColumns + `
	`
	return scanRollout(s.db.QueryRowContext(ctx, query,
		uuid.New().String(), meta.Cluster, meta.Namespace, meta.Deployment, meta.Generation,
		time.Now().UTC(), encoded, meta.Team, meta.SlackChannel,
	))
}

// SetRolloutNotifyStatus records the notification outcome
func (s *PostgresStore) SetRolloutNotifyStatus(ctx context.Context, id string, status models.NotifyStatus) error {
	return s.execOnRow(ctx, `UPDATE rollouts SET notify_status = $2 WHERE id = $1`, id, status)
}

// ClaimRollout atomically grants this worker exclusive ownership of the
// rollout's investigation. Exactly one of N concurrent claimers wins.
func (s *PostgresStore) ClaimRollout(ctx context.Context, id, worker string) error {
	query := `
		UPDATE rollouts
		SET analysis_status = 'PENDING', claimed_by = $2
		WHERE id = $1 AND analysis_status IN ('NONE', 'RATE_LIMITED')
	`
	return s.claim(ctx, query, id, worker)
}

// ReleaseRollout drops the claim, leaving the record in the given state
func (s *PostgresStore) ReleaseRollout(ctx context.Context, id string, status models.AnalysisStatus) error {
	query := `UPDATE rollouts SET analysis_status = $2, claimed_by = NULL WHERE id = $1`
	return s.execOnRow(ctx, query, id, status)
}

// FinishRolloutAnalysis records the terminal analysis sub-status
func (s *PostgresStore) FinishRolloutAnalysis(ctx context.Context, id string, status models.AnalysisStatus, diagnosisID string) error {
	query := `
		UPDATE rollouts
		SET analysis_status = $2, diagnosis_id = NULLIF($3, ''), claimed_by = NULL
		WHERE id = $1
	`
	return s.execOnRow(ctx, query, id, status, diagnosisID)
}

// OpenOrMergeIncident opens a new incident, or folds the detection into
// the open incident for the same (namespace, type) when its window end
// falls inside the correlation window.
func (s *PostgresStore) OpenOrMergeIncident(ctx context.Context, inc *models.NamespaceIncident, correlationWindow time.Duration) (*models.NamespaceIncident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cutoff := inc.WindowEnd.Add(-correlationWindow)
	selectQuery := `
		SELECT ` + incidentColumns + `
		FROM namespace_incidents
		WHERE cluster = $1 AND namespace = $2 AND incident_type = $3
			AND window_end > $4
			AND analysis_status IN ('NONE', 'RATE_LIMITED')
		ORDER BY window_end DESC
		LIMIT 1
		FOR UPDATE
	`
	open, err := scanIncident(tx.QueryRowContext(ctx, selectQuery, inc.Cluster, inc.Namespace, inc.Type, cutoff))
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	if err == ErrNotFound {
		if inc.ID == "" {
			inc.ID = uuid.New().String()
		}
		if inc.OccurrenceCount == 0 {
			inc.OccurrenceCount = 1
		}
		inc.AnalysisStatus = models.AnalysisNone
		inc.NotifyStatus = models.NotifyPending
		insertQuery := `
			INSERT INTO namespace_incidents (
				id, cluster, namespace, incident_type, window_start, window_end,
				occurrence_count, detail, analysis_status, notify_status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		if _, err := tx.ExecContext(ctx, insertQuery,
			inc.ID, inc.Cluster, inc.Namespace, inc.Type,
			inc.WindowStart, inc.WindowEnd, inc.OccurrenceCount, inc.Detail,
			inc.AnalysisStatus, inc.NotifyStatus,
		); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return inc, nil
	}

	updateQuery := `
		UPDATE namespace_incidents
		SET window_end = GREATEST(window_end, $2),
			occurrence_count = occurrence_count + 1,
			detail = $3
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, updateQuery, open.ID, inc.WindowEnd, inc.Detail); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if inc.WindowEnd.After(open.WindowEnd) {
		open.WindowEnd = inc.WindowEnd
	}
	open.OccurrenceCount++
	open.Detail = inc.Detail
	return open, nil
}

// GetIncident retrieves an incident by ID
func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*models.NamespaceIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM namespace_incidents WHERE id = $1`
	return scanIncident(s.db.QueryRowContext(ctx, query, id))
}

// ListClaimableIncidents returns unclaimed incidents that have
// accumulated enough occurrences to warrant an investigation
func (s *PostgresStore) ListClaimableIncidents(ctx context.Context, cluster string, minOccurrences, limit int) ([]*models.NamespaceIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM namespace_incidents
		WHERE cluster = $1
			AND analysis_status IN ('NONE', 'RATE_LIMITED')
			AND occurrence_count >= $2
		ORDER BY window_end
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, cluster, minOccurrences, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*models.NamespaceIncident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// ClaimIncident atomically grants this worker the incident investigation
func (s *PostgresStore) ClaimIncident(ctx context.Context, id, worker string) error {
	query := `
		UPDATE namespace_incidents
		SET analysis_status = 'PENDING', claimed_by = $2
		WHERE id = $1 AND analysis_status IN ('NONE', 'RATE_LIMITED')
	`
	return s.claim(ctx, query, id, worker)
}

// ReleaseIncident drops the claim, leaving the record in the given state
func (s *PostgresStore) ReleaseIncident(ctx context.Context, id string, status models.AnalysisStatus) error {
	query := `UPDATE namespace_incidents SET analysis_status = $2, claimed_by = NULL WHERE id = $1`
	return s.execOnRow(ctx, query, id, status)
}

// FinishIncidentAnalysis records the terminal analysis sub-status.
// Diagnoses link back through owner_id, so nothing else is written.
func (s *PostgresStore) FinishIncidentAnalysis(ctx context.Context, id string, status models.AnalysisStatus, _ string) error {
	query := `
		UPDATE namespace_incidents
		SET analysis_status = $2, claimed_by = NULL
		WHERE id = $1
	`
	return s.execOnRow(ctx, query, id, status)
}

// SetIncidentNotifyStatus records the notification outcome
func (s *PostgresStore) SetIncidentNotifyStatus(ctx context.Context, id string, status models.NotifyStatus) error {
	return s.execOnRow(ctx, `UPDATE namespace_incidents SET notify_status = $2 WHERE id = $1`, id, status)
}

// SaveDiagnosis stores an immutable diagnosis record
func (s *PostgresStore) SaveDiagnosis(ctx context.Context, d *models.Diagnosis) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	steps, err := json.Marshal(d.RecommendedSteps)
	if err != nil {
		return fmt.Errorf("failed to encode recommended steps: %w", err)
	}

	query := `
		INSERT INTO diagnoses (
			id, owner_id, summary, likely_cause, recommended_steps, severity,
			triage_team, triage_reason, reduced_context, model_name, prompt_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.OwnerID, d.Summary, d.LikelyCause, steps, d.Severity,
		d.TriageTeam, d.TriageReason, nullBytes(d.ReducedContext),
		d.ModelName, d.PromptVersion, d.CreatedAt,
	)
	return err
}

// GetDiagnosis retrieves a diagnosis by ID
func (s *PostgresStore) GetDiagnosis(ctx context.Context, id string) (*models.Diagnosis, error) {
	query := `
		SELECT id, owner_id, summary, likely_cause, recommended_steps, severity,
			triage_team, triage_reason, reduced_context, model_name, prompt_version, created_at
		FROM diagnoses
		WHERE id = $1
	`

	var d models.Diagnosis
	var steps []byte
	var reduced sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.OwnerID, &d.Summary, &d.LikelyCause, &steps, &d.Severity,
		&d.TriageTeam, &d.TriageReason, &reduced,
		&d.ModelName, &d.PromptVersion, &d.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(steps, &d.RecommendedSteps); err != nil {
		return nil, fmt.Errorf("failed to decode recommended steps: %w", err)
	}
	if reduced.Valid {
		d.ReducedContext = []byte(reduced.String)
	}
	return &d, nil
}

// TryAcquireBudget records an investigation start unless either
// sliding-hour budget is exhausted. Zero rows inserted means over
// budget. The per-cluster advisory lock serializes the count-and-insert
// so two workers cannot both take the last slot under READ COMMITTED.
func (s *PostgresStore) TryAcquireBudget(ctx context.Context, cluster, namespace string, nsLimit, clusterLimit int, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, cluster); err != nil {
		return err
	}

	query := `
		INSERT INTO investigation_starts (cluster, namespace, started_at)
		SELECT $1, $2, $3
		WHERE (
			SELECT COUNT(*) FROM investigation_starts
			WHERE cluster = $1 AND namespace = $2 AND started_at > $3 - INTERVAL '1 hour'
		) < $4
		AND (
			SELECT COUNT(*) FROM investigation_starts
			WHERE cluster = $1 AND started_at > $3 - INTERVAL '1 hour'
		) < $5
	`
	result, err := tx.ExecContext(ctx, query, cluster, namespace, now, nsLimit, clusterLimit)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if rows == 0 {
		return ErrRateLimited
	}
	return nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) claim(ctx context.Context, query, id, worker string) error {
	result, err := s.db.ExecContext(ctx, query, id, worker)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (s *PostgresStore) execOnRow(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRollout(row rowScanner) (*models.Rollout, error) {
	var r models.Rollout
	var completedAt, failedAt sql.NullTime
	var metadata []byte
	var team, slackChannel, diagnosisID, claimedBy sql.NullString

	err := row.Scan(
		&r.ID, &r.Cluster, &r.Namespace, &r.Deployment, &r.Generation,
		&r.Status, &r.Origin, &r.StartedAt, &completedAt, &failedAt,
		&metadata, &team, &slackChannel, &diagnosisID, &r.AnalysisStatus,
		&r.NotifyStatus, &claimedBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		r.FailedAt = &failedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	r.Team = team.String
	r.SlackChannel = slackChannel.String
	r.DiagnosisID = diagnosisID.String
	r.ClaimedBy = claimedBy.String
	return &r, nil
}

func scanIncident(row rowScanner) (*models.NamespaceIncident, error) {
	var inc models.NamespaceIncident
	var claimedBy sql.NullString

	err := row.Scan(
		&inc.ID, &inc.Cluster, &inc.Namespace, &inc.Type,
		&inc.WindowStart, &inc.WindowEnd, &inc.OccurrenceCount, &inc.Detail,
		&inc.AnalysisStatus, &inc.NotifyStatus, &claimedBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inc.ClaimedBy = claimedBy.String
	return &inc, nil
}

func (s *PostgresStore) queryRollouts(ctx context.Context, query string, args ...interface{}) ([]*models.Rollout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollouts []*models.Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, r)
	}
	return rollouts, rows.Err()
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
