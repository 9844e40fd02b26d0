package models

// RawContext is the unreduced evidence bundle gathered for one
// investigation target: deployment state, pods, warning events and
// container logs, plus optional tool metadata.
type RawContext struct {
	Cluster    string
	Namespace  string
	Deployment string
	Generation int64

	DesiredReplicas   int32
	ReadyReplicas     int32
	AvailableReplicas int32
	Conditions        map[string]string

	Pods   []PodSummary
	Events []RawEvent
	// Logs keyed by "pod/container", each entry capped at the
	// configured tail window and line count.
	Logs map[string][]string

	// Deployment-tool metadata if the workload is managed by GitOps
	// or Helm, empty otherwise.
	GitOpsApp   string
	GitOpsSync  string
	HelmRelease string
	HelmStatus  string
}

// PodSummary is the subset of pod state the reducer and the early
// failure policy care about.
type PodSummary struct {
	Name          string
	Phase         string
	Reason        string
	RestartCount  int32
	WaitingReason string
	Terminating   bool
}

// RawEvent is one namespace event within the lookback window.
type RawEvent struct {
	Reason    string
	Message   string
	Type      string
	Object    string
	Count     int32
	Timestamp string
}

// EventSummary is one retained event group after reduction.
type EventSummary struct {
	Reason        string `json:"reason"`
	Message       string `json:"message"`
	Count         int    `json:"count"`
	LastTimestamp string `json:"last_timestamp"`
}

// LogCluster is one group of structurally similar log lines. Template
// is the masked form used for grouping; Example is one verbatim line.
type LogCluster struct {
	Pod       string `json:"pod"`
	Container string `json:"container"`
	Template  string `json:"template"`
	Example   string `json:"example"`
	Count     int    `json:"count"`
}

// ReducedContext is the bounded, deterministic evidence summary handed
// to the investigation step. Identical RawContext and configuration
// always produce a byte-identical serialized ReducedContext.
type ReducedContext struct {
	Cluster     string         `json:"cluster"`
	Namespace   string         `json:"namespace"`
	Deployment  string         `json:"deployment"`
	Generation  int64          `json:"generation"`
	Phase       string         `json:"phase"`
	Summary     string         `json:"summary"`
	FailingPods []string       `json:"failing_pods"`
	Events      []EventSummary `json:"events"`
	LogClusters []LogCluster   `json:"log_clusters"`
	GitOps      string         `json:"gitops,omitempty"`
	Helm        string         `json:"helm,omitempty"`
}

// PodFailureSignals are the counts used by the early-failure policy.
type PodFailureSignals struct {
	CrashLoopPods int
	ImagePullPods int
	PendingPods   int
	TotalPods     int
}
