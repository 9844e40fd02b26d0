package models

import "time"

// IncidentType classifies a namespace-scoped problem
type IncidentType string

const (
	IncidentStuckTerminating IncidentType = "stuck_terminating"
	IncidentQuotaViolation   IncidentType = "quota_violation"
	IncidentEvictionStorm    IncidentType = "eviction_storm"
	IncidentRestartStorm     IncidentType = "restart_storm"
)

// NamespaceIncident tracks a namespace-level problem detected by the
// periodic scan. At most one open incident exists per (namespace, type);
// repeated detections within the correlation window merge into it.
type NamespaceIncident struct {
	ID        string
	Cluster   string
	Namespace string
	Type      IncidentType

	WindowStart     time.Time
	WindowEnd       time.Time
	OccurrenceCount int

	// Free-form detail from the last detection, e.g. the pods stuck
	// terminating or the quota resource that is exhausted.
	Detail string

	AnalysisStatus AnalysisStatus
	NotifyStatus   NotifyStatus
	ClaimedBy      string
}
