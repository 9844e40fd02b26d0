package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

// MemoryStore is an in-memory Store with the same claim and rate-limit
// semantics as the Postgres implementation. It backs unit tests and
// offline runs; a single mutex stands in for the database's row locks.
type MemoryStore struct {
	mu         sync.Mutex
	rollouts   map[string]*models.Rollout
	incidents  map[string]*models.NamespaceIncident
	diagnoses  map[string]*models.Diagnosis
	startTimes []investigationStart
}

type investigationStart struct {
	cluster   string
	namespace string
	startedAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rollouts:  make(map[string]*models.Rollout),
		incidents: make(map[string]*models.NamespaceIncident),
		diagnoses: make(map[string]*models.Diagnosis),
	}
}

func (s *MemoryStore) CreateRollout(_ context.Context, r *models.Rollout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	clone := *r
	s.rollouts[r.ID] = &clone
	return nil
}

func (s *MemoryStore) GetRollout(_ context.Context, id string) (*models.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *MemoryStore) GetRolloutByKey(_ context.Context, cluster, namespace, deployment string, generation int64) (*models.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rollouts {
		if r.Cluster == cluster && r.Namespace == namespace && r.Deployment == deployment && r.Generation == generation {
			clone := *r
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListActiveRollouts(_ context.Context, cluster string) ([]*models.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Rollout
	for _, r := range s.rollouts {
		if r.Cluster == cluster && !r.Status.Terminal() {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) ListRecentRollouts(_ context.Context, cluster string, limit int) ([]*models.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Rollout
	for _, r := range s.rollouts {
		if r.Cluster == cluster {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListClaimableRollouts(_ context.Context, cluster string, limit int) ([]*models.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Rollout
	for _, r := range s.rollouts {
		if r.Cluster == cluster && r.Status == models.RolloutFailed && claimable(r.AnalysisStatus) {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].FailedAt, out[j].FailedAt
		if ti == nil || tj == nil {
			return ti != nil
		}
		return ti.Before(*tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRolloutStatus(_ context.Context, id string, status models.RolloutStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	// Terminal rows never transition again, and nothing moves back
	// to PENDING.
	if r.Status.Terminal() || r.Status == status || status == models.RolloutPending {
		return nil
	}
	r.Status = status
	switch status {
	case models.RolloutSucceeded:
		t := at
		r.CompletedAt = &t
	case models.RolloutFailed:
		t := at
		r.FailedAt = &t
	}
	return nil
}

func (s *MemoryStore) UpdateRolloutMetadata(_ context.Context, id string, metadata map[string]string, team, slackChannel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	for k, v := range metadata {
		r.Metadata[k] = v
	}
	if team != "" {
		r.Team = team
	}
	if slackChannel != "" {
		r.SlackChannel = slackChannel
	}
	return nil
}

func (s *MemoryStore) UpsertExternalMetadata(ctx context.Context, meta *ExternalMetadata) (*models.Rollout, error) {
	s.mu.Lock()
	var existing *models.Rollout
	for _, r := range s.rollouts {
		if r.Cluster == meta.Cluster && r.Namespace == meta.Namespace && r.Deployment == meta.Deployment && r.Generation == meta.Generation {
			existing = r
			break
		}
	}

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

	if existing == nil {
		r := &models.Rollout{
			ID:             uuid.New().String(),
			Cluster:        meta.Cluster,
			Namespace:      meta.Namespace,
			Deployment:     meta.Deployment,
			Generation:     meta.Generation,
			Status:         models.RolloutPending,
			Origin:         models.OriginExternal,
			StartedAt:      time.Now().UTC(),
			Metadata:       metadata,
			Team:           meta.Team,
			SlackChannel:   meta.SlackChannel,
			AnalysisStatus: models.AnalysisNone,
			NotifyStatus:   models.NotifyPending,
		}
		s.rollouts[r.ID] = r
		clone := *r
		s.mu.Unlock()
		return &clone, nil
	}

	if existing.Origin == models.OriginCluster {
		existing.Origin = models.OriginMixed
	}
	if existing.Metadata == nil {
		existing.Metadata = map[string]string{}
	}
	for k, v := range metadata {
		existing.Metadata[k] = v
	}
	if meta.Team != "" {
		existing.Team = meta.Team
	}
	if meta.SlackChannel != "" {
		existing.SlackChannel = meta.SlackChannel
	}
	clone := *existing
	s.mu.Unlock()
	return &clone, nil
}

func (s *MemoryStore) SetRolloutNotifyStatus(_ context.Context, id string, status models.NotifyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	r.NotifyStatus = status
	return nil
}

func (s *MemoryStore) ClaimRollout(_ context.Context, id, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok || !claimable(r.AnalysisStatus) {
		return ErrClaimConflict
	}
	r.AnalysisStatus = models.AnalysisPending
	r.ClaimedBy = worker
	return nil
}

func (s *MemoryStore) ReleaseRollout(_ context.Context, id string, status models.AnalysisStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	r.AnalysisStatus = status
	r.ClaimedBy = ""
	return nil
}

func (s *MemoryStore) FinishRolloutAnalysis(_ context.Context, id string, status models.AnalysisStatus, diagnosisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	r.AnalysisStatus = status
	if diagnosisID != "" {
		r.DiagnosisID = diagnosisID
	}
	r.ClaimedBy = ""
	return nil
}

func (s *MemoryStore) OpenOrMergeIncident(_ context.Context, inc *models.NamespaceIncident, correlationWindow time.Duration) (*models.NamespaceIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := inc.WindowEnd.Add(-correlationWindow)
	var open *models.NamespaceIncident
	for _, existing := range s.incidents {
		if existing.Cluster == inc.Cluster && existing.Namespace == inc.Namespace && existing.Type == inc.Type &&
			existing.WindowEnd.After(cutoff) && claimable(existing.AnalysisStatus) {
			if open == nil || existing.WindowEnd.After(open.WindowEnd) {
				open = existing
			}
		}
	}

	if open == nil {
		if inc.ID == "" {
			inc.ID = uuid.New().String()
		}
		if inc.OccurrenceCount == 0 {
			inc.OccurrenceCount = 1
		}
		inc.AnalysisStatus = models.AnalysisNone
		inc.NotifyStatus = models.NotifyPending
		clone := *inc
		s.incidents[inc.ID] = &clone
		return inc, nil
	}

	if inc.WindowEnd.After(open.WindowEnd) {
		open.WindowEnd = inc.WindowEnd
	}
	open.OccurrenceCount++
	open.Detail = inc.Detail
	clone := *open
	return &clone, nil
}

func (s *MemoryStore) GetIncident(_ context.Context, id string) (*models.NamespaceIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *inc
	return &clone, nil
}

func (s *MemoryStore) ListClaimableIncidents(_ context.Context, cluster string, minOccurrences, limit int) ([]*models.NamespaceIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.NamespaceIncident
	for _, inc := range s.incidents {
		if inc.Cluster == cluster && claimable(inc.AnalysisStatus) && inc.OccurrenceCount >= minOccurrences {
			clone := *inc
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowEnd.Before(out[j].WindowEnd) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimIncident(_ context.Context, id, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok || !claimable(inc.AnalysisStatus) {
		return ErrClaimConflict
	}
	inc.AnalysisStatus = models.AnalysisPending
	inc.ClaimedBy = worker
	return nil
}

func (s *MemoryStore) ReleaseIncident(_ context.Context, id string, status models.AnalysisStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.AnalysisStatus = status
	inc.ClaimedBy = ""
	return nil
}

func (s *MemoryStore) FinishIncidentAnalysis(_ context.Context, id string, status models.AnalysisStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.AnalysisStatus = status
	inc.ClaimedBy = ""
	return nil
}

func (s *MemoryStore) SetIncidentNotifyStatus(_ context.Context, id string, status models.NotifyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.NotifyStatus = status
	return nil
}

func (s *MemoryStore) SaveDiagnosis(_ context.Context, d *models.Diagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	clone := *d
	s.diagnoses[d.ID] = &clone
	return nil
}

func (s *MemoryStore) GetDiagnosis(_ context.Context, id string) (*models.Diagnosis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.diagnoses[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (s *MemoryStore) TryAcquireBudget(_ context.Context, cluster, namespace string, nsLimit, clusterLimit int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	windowStart := now.Add(-time.Hour)
	nsCount, clusterCount := 0, 0
	for _, start := range s.startTimes {
		if start.cluster != cluster || !start.startedAt.After(windowStart) {
			continue
		}
		clusterCount++
		if start.namespace == namespace {
			nsCount++
		}
	}
	if nsCount >= nsLimit || clusterCount >= clusterLimit {
		return ErrRateLimited
	}
	s.startTimes = append(s.startTimes, investigationStart{cluster: cluster, namespace: namespace, startedAt: now})
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func claimable(status models.AnalysisStatus) bool {
	return status == models.AnalysisNone || status == models.AnalysisRateLimited
}
