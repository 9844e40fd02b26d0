package models

import "time"

// Severity of a diagnosed failure
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is one of the four recognized levels.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Diagnosis is the structured result of one investigation. It is owned
// by exactly one Rollout or NamespaceIncident (by id, never by pointer)
// and is immutable once written.
type Diagnosis struct {
	ID      string
	OwnerID string

	Summary          string   `json:"summary"`
	LikelyCause      string   `json:"likely_cause"`
	RecommendedSteps []string `json:"recommended_steps"`
	Severity         Severity `json:"severity"`

	TriageTeam   string `json:"triage_team,omitempty"`
	TriageReason string `json:"triage_reason,omitempty"`

	// Snapshot of the reduced evidence the diagnosis was produced from.
	ReducedContext []byte

	ModelName     string
	PromptVersion string
	CreatedAt     time.Time
}
