package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

func failedRollout(id, cluster, namespace string) *models.Rollout {
	at := time.Now().UTC()
	return &models.Rollout{
		ID:             id,
		Cluster:        cluster,
		Namespace:      namespace,
		Deployment:     "api",
		Generation:     1,
		Status:         models.RolloutFailed,
		StartedAt:      at.Add(-time.Minute),
		FailedAt:       &at,
		AnalysisStatus: models.AnalysisNone,
		NotifyStatus:   models.NotifyPending,
	}
}

func TestClaimExclusivity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateRollout(ctx, failedRollout("r1", "prod", "payments")); err != nil {
		t.Fatalf("CreateRollout failed: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.ClaimRollout(ctx, "r1", "worker")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrClaimConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly 1 winning claim, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Errorf("Expected %d claim conflicts, got %d", workers-1, conflicts)
	}
}

func TestClaimAfterRateLimitedIsAllowed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateRollout(ctx, failedRollout("r1", "prod", "payments")); err != nil {
		t.Fatalf("CreateRollout failed: %v", err)
	}
	if err := store.ClaimRollout(ctx, "r1", "w1"); err != nil {
		t.Fatalf("initial claim failed: %v", err)
	}
	if err := store.ReleaseRollout(ctx, "r1", models.AnalysisRateLimited); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// RATE_LIMITED records stay eligible once the window rolls forward.
	if err := store.ClaimRollout(ctx, "r1", "w2"); err != nil {
		t.Errorf("Expected RATE_LIMITED rollout to be claimable, got %v", err)
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := failedRollout("r1", "prod", "payments")
	r.Status = models.RolloutPending
	r.FailedAt = nil
	if err := store.CreateRollout(ctx, r); err != nil {
		t.Fatalf("CreateRollout failed: %v", err)
	}

	now := time.Now().UTC()
	if err := store.UpdateRolloutStatus(ctx, "r1", models.RolloutRollingOut, now); err != nil {
		t.Fatalf("transition to ROLLING_OUT failed: %v", err)
	}

	// PENDING is the entry state only, never a transition target.
	if err := store.UpdateRolloutStatus(ctx, "r1", models.RolloutPending, now); err != nil {
		t.Fatalf("update back to PENDING errored: %v", err)
	}
	got, err := store.GetRollout(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRollout failed: %v", err)
	}
	if got.Status != models.RolloutRollingOut {
		t.Errorf("Expected status to stay ROLLING_OUT, got %s", got.Status)
	}

	if err := store.UpdateRolloutStatus(ctx, "r1", models.RolloutSucceeded, now); err != nil {
		t.Fatalf("transition to SUCCEEDED failed: %v", err)
	}

	// Terminal status never transitions again.
	if err := store.UpdateRolloutStatus(ctx, "r1", models.RolloutFailed, now); err != nil {
		t.Fatalf("post-terminal update errored: %v", err)
	}
	got, err = store.GetRollout(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRollout failed: %v", err)
	}
	if got.Status != models.RolloutSucceeded {
		t.Errorf("Expected status to stay SUCCEEDED, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
	if got.FailedAt != nil {
		t.Error("Expected failed_at to stay unset after rejected transition")
	}
}

func TestRateLimitBudget(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	// Namespace limit 2, cluster limit 10.
	for i := 0; i < 2; i++ {
		if err := store.TryAcquireBudget(ctx, "prod", "payments", 2, 10, now); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	err := store.TryAcquireBudget(ctx, "prod", "payments", 2, 10, now)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited at namespace cap, got %v", err)
	}

	// The rejected attempt must not have consumed budget: another
	// namespace is still within the cluster limit.
	if err := store.TryAcquireBudget(ctx, "prod", "checkout", 2, 10, now); err != nil {
		t.Errorf("Expected other namespace to be under budget, got %v", err)
	}

	// Once the window rolls forward the namespace is under budget again.
	later := now.Add(61 * time.Minute)
	if err := store.TryAcquireBudget(ctx, "prod", "payments", 2, 10, later); err != nil {
		t.Errorf("Expected budget after window rolled, got %v", err)
	}
}

func TestClusterWideRateLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		ns := []string{"a", "b", "c"}[i]
		if err := store.TryAcquireBudget(ctx, "prod", ns, 5, 3, now); err != nil {
			t.Fatalf("acquire for %s failed: %v", ns, err)
		}
	}

	err := store.TryAcquireBudget(ctx, "prod", "d", 5, 3, now)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected cluster-wide ErrRateLimited, got %v", err)
	}
}

func TestOpenOrMergeIncident(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	window := 30 * time.Minute

	first, err := store.OpenOrMergeIncident(ctx, &models.NamespaceIncident{
		Cluster:     "prod",
		Namespace:   "payments",
		Type:        models.IncidentRestartStorm,
		WindowStart: now.Add(-5 * time.Minute),
		WindowEnd:   now,
		Detail:      "12 restarts",
	}, window)
	if err != nil {
		t.Fatalf("open incident failed: %v", err)
	}
	if first.OccurrenceCount != 1 {
		t.Errorf("Expected occurrence count 1, got %d", first.OccurrenceCount)
	}

	// A detection inside the correlation window merges.
	merged, err := store.OpenOrMergeIncident(ctx, &models.NamespaceIncident{
		Cluster:     "prod",
		Namespace:   "payments",
		Type:        models.IncidentRestartStorm,
		WindowStart: now.Add(5 * time.Minute),
		WindowEnd:   now.Add(10 * time.Minute),
		Detail:      "18 restarts",
	}, window)
	if err != nil {
		t.Fatalf("merge incident failed: %v", err)
	}
	if merged.ID != first.ID {
		t.Errorf("Expected merge into incident %s, got new incident %s", first.ID, merged.ID)
	}
	if merged.OccurrenceCount != 2 {
		t.Errorf("Expected occurrence count 2 after merge, got %d", merged.OccurrenceCount)
	}
	if !merged.WindowEnd.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("Expected window end extended, got %v", merged.WindowEnd)
	}

	// A different type opens its own incident.
	other, err := store.OpenOrMergeIncident(ctx, &models.NamespaceIncident{
		Cluster:   "prod",
		Namespace: "payments",
		Type:      models.IncidentEvictionStorm,
		WindowEnd: now.Add(10 * time.Minute),
	}, window)
	if err != nil {
		t.Fatalf("open other-type incident failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("Expected a separate incident per type")
	}

	// A detection outside the correlation window opens fresh.
	fresh, err := store.OpenOrMergeIncident(ctx, &models.NamespaceIncident{
		Cluster:   "prod",
		Namespace: "payments",
		Type:      models.IncidentRestartStorm,
		WindowEnd: now.Add(2 * time.Hour),
	}, window)
	if err != nil {
		t.Fatalf("open fresh incident failed: %v", err)
	}
	if fresh.ID == first.ID {
		t.Error("Expected a new incident outside the correlation window")
	}
}

func TestIncidentMinBatchFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	inc, err := store.OpenOrMergeIncident(ctx, &models.NamespaceIncident{
		Cluster:   "prod",
		Namespace: "payments",
		Type:      models.IncidentEvictionStorm,
		WindowEnd: now,
	}, 30*time.Minute)
	if err != nil {
		t.Fatalf("open incident failed: %v", err)
	}

	got, err := store.ListClaimableIncidents(ctx, "prod", 3, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no claimable incidents below min batch, got %d", len(got))
	}

	for i := 0; i < 2; i++ {
		if _, err := store.OpenOrMergeIncident(ctx, &models.NamespaceIncident{
			Cluster:   "prod",
			Namespace: "payments",
			Type:      models.IncidentEvictionStorm,
			WindowEnd: now.Add(time.Minute),
		}, 30*time.Minute); err != nil {
			t.Fatalf("merge %d failed: %v", i, err)
		}
	}

	got, err = store.ListClaimableIncidents(ctx, "prod", 3, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != inc.ID {
		t.Errorf("Expected incident %s claimable at min batch, got %v", inc.ID, got)
	}
}

func TestUpsertExternalMetadataOrigin(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// CI reports first: origin external.
	r, err := store.UpsertExternalMetadata(ctx, &ExternalMetadata{
		Cluster: "prod", Namespace: "payments", Deployment: "api", Generation: 4,
		GitCommit: "abc123", SlackChannel: "#payments-alerts",
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if r.Origin != models.OriginExternal {
		t.Errorf("Expected origin external, got %s", r.Origin)
	}

	// Cluster observed first, then CI reports: origin mixed.
	clusterFirst := failedRollout("r2", "prod", "checkout")
	clusterFirst.Generation = 7
	clusterFirst.Deployment = "web"
	if err := store.CreateRollout(ctx, clusterFirst); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	r2, err := store.UpsertExternalMetadata(ctx, &ExternalMetadata{
		Cluster: "prod", Namespace: "checkout", Deployment: "web", Generation: 7,
		GitProject: "shop/web",
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if r2.Origin != models.OriginMixed {
		t.Errorf("Expected origin mixed, got %s", r2.Origin)
	}
	if r2.Metadata["git_project"] != "shop/web" {
		t.Errorf("Expected git metadata merged, got %v", r2.Metadata)
	}
}
