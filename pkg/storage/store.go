package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrClaimConflict is returned when another worker holds the claim
	ErrClaimConflict = errors.New("record already claimed")
	// ErrRateLimited is returned when an investigation budget is exhausted
	ErrRateLimited = errors.New("investigation rate limit reached")
)

// ExternalMetadata is what the CI ingestor reports about a rollout
// through the store contract.
type ExternalMetadata struct {
	Cluster    string
	Namespace  string
	Deployment string
	Generation int64

	GitProject  string
	GitCommit   string
	PipelineURL string

	Team         string
	SlackChannel string
}

// Store defines the interface for persistent storage. The watcher is
// the sole writer of rollout discovery/status fields; the analyzer is
// the sole writer of analysis/notify fields and diagnoses.
type Store interface {
	// Rollouts
	CreateRollout(ctx context.Context, r *models.Rollout) error
	GetRollout(ctx context.Context, id string) (*models.Rollout, error)
	GetRolloutByKey(ctx context.Context, cluster, namespace, deployment string, generation int64) (*models.Rollout, error)
	ListActiveRollouts(ctx context.Context, cluster string) ([]*models.Rollout, error)
	ListRecentRollouts(ctx context.Context, cluster string, limit int) ([]*models.Rollout, error)
	// UpdateRolloutStatus applies a phase transition. Transitions out of
	// a terminal status are rejected at the SQL level and reported as a
	// no-op (nil error, nothing written).
	UpdateRolloutStatus(ctx context.Context, id string, status models.RolloutStatus, at time.Time) error
	UpdateRolloutMetadata(ctx context.Context, id string, metadata map[string]string, team, slackChannel string) error
	// UpsertExternalMetadata records CI-reported metadata, creating the
	// rollout with origin external when the cluster has not observed it
	// yet, and flipping origin to mixed when it has.
	UpsertExternalMetadata(ctx context.Context, meta *ExternalMetadata) (*models.Rollout, error)
	SetRolloutNotifyStatus(ctx context.Context, id string, status models.NotifyStatus) error

	// Claiming. ListClaimableRollouts returns FAILED rollouts whose
	// analysis is NONE or RATE_LIMITED; ClaimRollout atomically moves
	// one to PENDING for this worker or fails with ErrClaimConflict.
	ListClaimableRollouts(ctx context.Context, cluster string, limit int) ([]*models.Rollout, error)
	ClaimRollout(ctx context.Context, id, worker string) error
	ReleaseRollout(ctx context.Context, id string, status models.AnalysisStatus) error
	FinishRolloutAnalysis(ctx context.Context, id string, status models.AnalysisStatus, diagnosisID string) error

	// Namespace incidents
	OpenOrMergeIncident(ctx context.Context, inc *models.NamespaceIncident, correlationWindow time.Duration) (*models.NamespaceIncident, error)
	GetIncident(ctx context.Context, id string) (*models.NamespaceIncident, error)
	ListClaimableIncidents(ctx context.Context, cluster string, minOccurrences, limit int) ([]*models.NamespaceIncident, error)
	ClaimIncident(ctx context.Context, id, worker string) error
	ReleaseIncident(ctx context.Context, id string, status models.AnalysisStatus) error
	FinishIncidentAnalysis(ctx context.Context, id string, status models.AnalysisStatus, diagnosisID string) error
	SetIncidentNotifyStatus(ctx context.Context, id string, status models.NotifyStatus) error

	// Diagnoses are immutable once saved
	SaveDiagnosis(ctx context.Context, d *models.Diagnosis) error
	GetDiagnosis(ctx context.Context, id string) (*models.Diagnosis, error)

	// TryAcquireBudget atomically records an investigation start unless
	// the per-namespace or cluster-wide sliding-hour count is already at
	// its maximum, in which case it reports ErrRateLimited and records
	// nothing. Entries age out of the window by time, never by pruning.
	TryAcquireBudget(ctx context.Context, cluster, namespace string, nsLimit, clusterLimit int, now time.Time) error

	Ping(ctx context.Context) error
	Close() error
}
