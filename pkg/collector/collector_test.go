package collector

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
)

func TestCollectRollout(t *testing.T) {
	replicas := int32(3)
	clientset := fake.NewSimpleClientset(
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "api",
				Namespace: "payments",
				Labels:    map[string]string{"argocd.argoproj.io/instance": "payments-prod"},
			},
			Spec: appsv1.DeploymentSpec{
				Replicas: &replicas,
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}},
			},
			Status: appsv1.DeploymentStatus{ReadyReplicas: 1, AvailableReplicas: 1},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "api-7f9b-x1",
				Namespace: "payments",
				Labels:    map[string]string{"app": "api"},
			},
			Status: corev1.PodStatus{
				Phase: corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{{
					Name:         "api",
					RestartCount: 4,
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
					},
				}},
			},
		},
		&corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "api.evt1", Namespace: "payments"},
			Reason:         "BackOff",
			Message:        "Back-off restarting failed container",
			Type:           "Warning",
			Count:          9,
			LastTimestamp:  metav1.NewTime(time.Now()),
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "api-7f9b-x1"},
		},
	)

	c := New(clientset, config.NewConfig())
	raw, err := c.CollectRollout(context.Background(), &models.Rollout{
		Cluster:    "prod-east",
		Namespace:  "payments",
		Deployment: "api",
		Generation: 7,
	})
	if err != nil {
		t.Fatalf("CollectRollout failed: %v", err)
	}

	if raw.DesiredReplicas != 3 || raw.ReadyReplicas != 1 {
		t.Errorf("replica counts not captured: desired=%d ready=%d", raw.DesiredReplicas, raw.ReadyReplicas)
	}
	if len(raw.Pods) != 1 || raw.Pods[0].WaitingReason != "CrashLoopBackOff" {
		t.Errorf("pod summary not captured: %+v", raw.Pods)
	}
	if len(raw.Events) != 1 || raw.Events[0].Reason != "BackOff" {
		t.Errorf("warning event not captured: %+v", raw.Events)
	}
	if raw.GitOpsApp != "payments-prod" {
		t.Errorf("gitops metadata not captured: %q", raw.GitOpsApp)
	}
}

func TestCollectRolloutMissingDeployment(t *testing.T) {
	c := New(fake.NewSimpleClientset(), config.NewConfig())
	_, err := c.CollectRollout(context.Background(), &models.Rollout{
		Namespace: "payments", Deployment: "gone",
	})
	if err == nil {
		t.Fatal("expected error for missing deployment")
	}
}

func TestSummarizePods(t *testing.T) {
	now := metav1.Now()
	pods := []corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "a", DeletionTimestamp: &now},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "b"},
			Status: corev1.PodStatus{
				Phase: corev1.PodPending,
				ContainerStatuses: []corev1.ContainerStatus{
					{RestartCount: 2},
					{RestartCount: 3, State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "ErrImagePull"},
					}},
				},
			},
		},
	}

	out := SummarizePods(pods)
	if !out[0].Terminating {
		t.Error("deletion timestamp should mark pod terminating")
	}
	if out[1].RestartCount != 5 {
		t.Errorf("restart counts should sum across containers, got %d", out[1].RestartCount)
	}
	if out[1].WaitingReason != "ErrImagePull" {
		t.Errorf("waiting reason not captured: %q", out[1].WaitingReason)
	}
}
