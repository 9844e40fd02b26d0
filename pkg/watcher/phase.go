package watcher

import (
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

var crashLoopReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"RunContainerError":          true,
	"CreateContainerConfigError": true,
}

var imagePullReasons = map[string]bool{
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
	"InvalidImageName": true,
}

// EvaluatePhase maps deployment status to a rollout phase. Fully
// available with nothing unavailable is SUCCEEDED; an exceeded
// progress deadline, a replica failure condition, or age past the
// configured timeout is FAILED; everything else is still ROLLING_OUT.
func EvaluatePhase(deploy *appsv1.Deployment, startedAt time.Time, timeout time.Duration, now time.Time) models.RolloutStatus {
	desired := int32(1)
	if deploy.Spec.Replicas != nil {
		desired = *deploy.Spec.Replicas
	}

	for _, cond := range deploy.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing &&
			cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded" {
			return models.RolloutFailed
		}
		if cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue {
			return models.RolloutFailed
		}
	}

	caughtUp := deploy.Status.ObservedGeneration >= deploy.Generation
	if caughtUp &&
		deploy.Status.UpdatedReplicas == desired &&
		deploy.Status.AvailableReplicas == desired &&
		deploy.Status.UnavailableReplicas == 0 {
		return models.RolloutSucceeded
	}

	if now.Sub(startedAt) > timeout {
		return models.RolloutFailed
	}
	return models.RolloutRollingOut
}

// FailureSignals counts the pod-level failure indicators used by the
// early-failure policy.
func FailureSignals(pods []models.PodSummary) models.PodFailureSignals {
	sig := models.PodFailureSignals{TotalPods: len(pods)}
	for _, pod := range pods {
		switch {
		case crashLoopReasons[pod.WaitingReason]:
			sig.CrashLoopPods++
		case imagePullReasons[pod.WaitingReason]:
			sig.ImagePullPods++
		case pod.Phase == string(corev1.PodPending):
			sig.PendingPods++
		}
	}
	return sig
}

// ShouldFailEarly reports whether at least half the pods (and at
// least one) are in a hard failure state, in which case the rollout
// is failed immediately without waiting for the timeout.
func ShouldFailEarly(sig models.PodFailureSignals) bool {
	if sig.TotalPods < 1 {
		return false
	}
	threshold := sig.TotalPods / 2
	if threshold < 1 {
		threshold = 1
	}
	return sig.CrashLoopPods+sig.ImagePullPods >= threshold
}
