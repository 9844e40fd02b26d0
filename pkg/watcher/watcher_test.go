package watcher

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/storage"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.ClusterName = "prod-east"
	cfg.OptIn = config.OptInAll
	cfg.RolloutTimeout = 15 * time.Minute
	return cfg
}

func trackedDeployment(generation int64, desired, updated, available, unavailable int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "api",
			Namespace:  "payments",
			Generation: generation,
			Labels:     map[string]string{"app": "api", EnabledMarker: "true"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &desired,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}},
		},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration:  generation,
			Replicas:            desired,
			UpdatedReplicas:     updated,
			AvailableReplicas:   available,
			ReadyReplicas:       available,
			UnavailableReplicas: unavailable,
		},
	}
}

func crashLoopPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "payments",
			Labels:    map[string]string{"app": "api"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				RestartCount: 5,
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
				},
			}},
		},
	}
}

func TestReconcileCreatesRollout(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(fake.NewSimpleClientset(), store, testConfig())

	deploy := trackedDeployment(1, 3, 1, 1, 2)
	if err := w.ReconcileDeployment(context.Background(), deploy); err != nil {
		t.Fatalf("ReconcileDeployment failed: %v", err)
	}

	rollout, err := store.GetRolloutByKey(context.Background(), "prod-east", "payments", "api", 1)
	if err != nil {
		t.Fatalf("rollout not created: %v", err)
	}
	if rollout.Status != models.RolloutRollingOut {
		t.Errorf("status = %s, want ROLLING_OUT", rollout.Status)
	}
	if rollout.Origin != models.OriginCluster {
		t.Errorf("origin = %s, want cluster", rollout.Origin)
	}
}

func TestReconcileMarksSuccess(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(fake.NewSimpleClientset(), store, testConfig())

	if err := w.ReconcileDeployment(context.Background(), trackedDeployment(1, 3, 1, 1, 2)); err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	if err := w.ReconcileDeployment(context.Background(), trackedDeployment(1, 3, 3, 3, 0)); err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}

	rollout, _ := store.GetRolloutByKey(context.Background(), "prod-east", "payments", "api", 1)
	if rollout.Status != models.RolloutSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", rollout.Status)
	}
	if rollout.CompletedAt == nil {
		t.Error("completed_at should be set on success")
	}
}

func TestReconcileFailsEarlyOnCrashLoopMajority(t *testing.T) {
	store := storage.NewMemoryStore()
	clientset := fake.NewSimpleClientset(
		crashLoopPod("api-x1"),
		crashLoopPod("api-x2"),
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "api-x3", Namespace: "payments",
				Labels: map[string]string{"app": "api"},
			},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		},
	)
	w := New(clientset, store, testConfig())

	// Rollout is young, so only the early-failure policy can fail it.
	if err := w.ReconcileDeployment(context.Background(), trackedDeployment(2, 3, 3, 1, 2)); err != nil {
		t.Fatalf("ReconcileDeployment failed: %v", err)
	}

	rollout, err := store.GetRolloutByKey(context.Background(), "prod-east", "payments", "api", 2)
	if err != nil {
		t.Fatalf("rollout not created: %v", err)
	}
	if rollout.Status != models.RolloutFailed {
		t.Errorf("status = %s, want FAILED via early-failure policy", rollout.Status)
	}
	if rollout.FailedAt == nil {
		t.Error("failed_at should be set")
	}
}

func TestReconcileIgnoresUntrackedDeployment(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testConfig()
	cfg.OptIn = config.OptInLabel
	w := New(fake.NewSimpleClientset(), store, cfg)

	deploy := trackedDeployment(1, 3, 1, 1, 2)
	deploy.Labels = map[string]string{"app": "api"}
	if err := w.ReconcileDeployment(context.Background(), deploy); err != nil {
		t.Fatalf("ReconcileDeployment failed: %v", err)
	}

	if _, err := store.GetRolloutByKey(context.Background(), "prod-east", "payments", "api", 1); err == nil {
		t.Error("unlabeled deployment should not be tracked in label mode")
	}
}

func TestReconcileCapturesNamespaceMetadata(t *testing.T) {
	store := storage.NewMemoryStore()
	clientset := fake.NewSimpleClientset(&corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "payments",
			Annotations: map[string]string{
				EnabledMarker:     "true",
				TeamAnnotation:    "payments-team",
				ChannelAnnotation: "#payments-alerts",
			},
		},
	})
	cfg := testConfig()
	cfg.OptIn = config.OptInNamespace
	w := New(clientset, store, cfg)

	if err := w.ReconcileDeployment(context.Background(), trackedDeployment(1, 3, 1, 1, 2)); err != nil {
		t.Fatalf("ReconcileDeployment failed: %v", err)
	}

	rollout, err := store.GetRolloutByKey(context.Background(), "prod-east", "payments", "api", 1)
	if err != nil {
		t.Fatalf("rollout not created: %v", err)
	}
	if rollout.SlackChannel != "#payments-alerts" {
		t.Errorf("slack channel = %q, want #payments-alerts", rollout.SlackChannel)
	}
	if rollout.Team != "payments-team" {
		t.Errorf("team = %q, want payments-team", rollout.Team)
	}
}

func TestOptInPrecedence(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "payments"},
	})
	cache := NewNamespaceCache(clientset, time.Minute)
	deploy := trackedDeployment(1, 1, 1, 1, 0)
	deploy.Labels = map[string]string{"app": "api"}

	cfg := testConfig()
	cfg.OptIn = config.OptInAll
	if !Tracked(context.Background(), cfg, cache, deploy) {
		t.Error("watch-all mode should track everything")
	}
	cfg.OptIn = config.OptInNamespace
	if Tracked(context.Background(), cfg, cache, deploy) {
		t.Error("namespace mode should require the namespace marker")
	}
	cfg.OptIn = config.OptInLabel
	if Tracked(context.Background(), cfg, cache, deploy) {
		t.Error("label mode should require the deployment marker")
	}
	deploy.Labels[EnabledMarker] = "true"
	if !Tracked(context.Background(), cfg, cache, deploy) {
		t.Error("labeled deployment should be tracked in label mode")
	}
}

func TestNamespaceCacheTTL(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "payments"},
	})
	cache := NewNamespaceCache(clientset, time.Hour)

	if cache.Enabled(context.Background(), "payments") {
		t.Fatal("namespace without marker should not be enabled")
	}

	// Annotation added after the first fetch stays invisible until the
	// TTL expires.
	ns, _ := clientset.CoreV1().Namespaces().Get(context.Background(), "payments", metav1.GetOptions{})
	ns.Annotations = map[string]string{EnabledMarker: "true"}
	if _, err := clientset.CoreV1().Namespaces().Update(context.Background(), ns, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("updating namespace: %v", err)
	}
	if cache.Enabled(context.Background(), "payments") {
		t.Error("cached entry should be served within the TTL")
	}

	fresh := NewNamespaceCache(clientset, 0)
	if !fresh.Enabled(context.Background(), "payments") {
		t.Error("expired cache should refetch and see the marker")
	}
}
