package models

import "time"

// RolloutStatus represents the lifecycle phase of a deployment rollout
type RolloutStatus string

const (
	RolloutPending    RolloutStatus = "PENDING"
	RolloutRollingOut RolloutStatus = "ROLLING_OUT"
	RolloutSucceeded  RolloutStatus = "SUCCEEDED"
	RolloutFailed     RolloutStatus = "FAILED"
)

// Terminal reports whether the rollout itself can no longer change phase.
// Analysis and notify sub-states still progress after this.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutSucceeded || s == RolloutFailed
}

// AnalysisStatus tracks the investigation sub-state of a record
type AnalysisStatus string

const (
	AnalysisNone        AnalysisStatus = "NONE"
	AnalysisPending     AnalysisStatus = "PENDING"
	AnalysisDone        AnalysisStatus = "DONE"
	AnalysisFailed      AnalysisStatus = "FAILED"
	AnalysisRateLimited AnalysisStatus = "RATE_LIMITED"
)

// NotifyStatus tracks delivery of the diagnosis to the owning team
type NotifyStatus string

const (
	NotifyPending NotifyStatus = "PENDING"
	NotifySent    NotifyStatus = "SENT"
	NotifyFailed  NotifyStatus = "FAILED"
)

// RolloutOrigin records which side observed the rollout first
type RolloutOrigin string

const (
	OriginCluster  RolloutOrigin = "cluster"
	OriginExternal RolloutOrigin = "external"
	OriginMixed    RolloutOrigin = "mixed"
)

// Rollout tracks one deployment-generation lifecycle from first
// observation to terminal status. At most one row exists per
// (cluster, namespace, deployment, generation).
type Rollout struct {
	ID         string
	Cluster    string
	Namespace  string
	Deployment string
	Generation int64

	Status RolloutStatus
	Origin RolloutOrigin

	StartedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	// Metadata captured from rollout-sentinel/* namespace annotations
	// plus anything the CI ingestor reported.
	Metadata     map[string]string
	Team         string
	SlackChannel string

	DiagnosisID    string
	AnalysisStatus AnalysisStatus
	NotifyStatus   NotifyStatus
	ClaimedBy      string
}

// Key returns the natural identity of the rollout.
func (r *Rollout) Key() string {
	return r.Cluster + "/" + r.Namespace + "/" + r.Deployment
}
