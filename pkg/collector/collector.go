package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

// Collector gathers the raw evidence bundle for one investigation
// target from the live cluster. All reads are read-only; secret values
// are never fetched.
type Collector struct {
	clientset kubernetes.Interface
	cfg       *config.Config
	log       *logrus.Entry
}

func New(clientset kubernetes.Interface, cfg *config.Config) *Collector {
	return &Collector{
		clientset: clientset,
		cfg:       cfg,
		log:       logrus.WithField("component", "collector"),
	}
}

// CollectRollout gathers deployment state, selected pods, recent
// warning events and container logs for one rollout. Partial evidence
// is acceptable: individual fetch failures are logged and leave the
// corresponding section empty rather than failing the whole bundle.
func (c *Collector) CollectRollout(ctx context.Context, rollout *models.Rollout) (*models.RawContext, error) {
	raw := &models.RawContext{
		Cluster:    rollout.Cluster,
		Namespace:  rollout.Namespace,
		Deployment: rollout.Deployment,
		Generation: rollout.Generation,
		Conditions: map[string]string{},
		Logs:       map[string][]string{},
	}

	deploy, err := c.clientset.AppsV1().Deployments(rollout.Namespace).Get(ctx, rollout.Deployment, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting deployment %s/%s: %w", rollout.Namespace, rollout.Deployment, err)
	}
	if deploy.Spec.Replicas != nil {
		raw.DesiredReplicas = *deploy.Spec.Replicas
	}
	raw.ReadyReplicas = deploy.Status.ReadyReplicas
	raw.AvailableReplicas = deploy.Status.AvailableReplicas
	for _, cond := range deploy.Status.Conditions {
		raw.Conditions[string(cond.Type)] = fmt.Sprintf("%s: %s", cond.Status, cond.Message)
	}
	if app, ok := deploy.Labels["argocd.argoproj.io/instance"]; ok {
		raw.GitOpsApp = app
	}
	if deploy.Labels["app.kubernetes.io/managed-by"] == "Helm" {
		raw.HelmRelease = deploy.Annotations["meta.helm.sh/release-name"]
	}

	selector := labels.Everything().String()
	if deploy.Spec.Selector != nil {
		if sel, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector); err == nil {
			selector = sel.String()
		}
	}
	pods, err := c.clientset.CoreV1().Pods(rollout.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		c.log.WithError(err).Warnf("listing pods for %s/%s", rollout.Namespace, rollout.Deployment)
	} else {
		raw.Pods = SummarizePods(pods.Items)
		c.collectLogs(ctx, raw, pods.Items)
	}

	c.collectEvents(ctx, raw)
	return raw, nil
}

// CollectIncident gathers namespace-wide evidence for an incident:
// all pods in the namespace, recent warning events, and logs from the
// most-restarted pods.
func (c *Collector) CollectIncident(ctx context.Context, incident *models.NamespaceIncident) (*models.RawContext, error) {
	raw := &models.RawContext{
		Cluster:    incident.Cluster,
		Namespace:  incident.Namespace,
		Deployment: string(incident.Type),
		Conditions: map[string]string{},
		Logs:       map[string][]string{},
	}

	pods, err := c.clientset.CoreV1().Pods(incident.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods in %s: %w", incident.Namespace, err)
	}
	raw.Pods = SummarizePods(pods.Items)
	raw.DesiredReplicas = int32(len(pods.Items))

	// Only the noisiest pods get log collection; a namespace can hold
	// far more pods than a single deployment.
	noisy := make([]corev1.Pod, 0, 4)
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.RestartCount > 0 || cs.State.Waiting != nil {
				noisy = append(noisy, pod)
				break
			}
		}
		if len(noisy) >= 4 {
			break
		}
	}
	c.collectLogs(ctx, raw, noisy)
	c.collectEvents(ctx, raw)
	return raw, nil
}

func (c *Collector) collectEvents(ctx context.Context, raw *models.RawContext) {
	events, err := c.clientset.CoreV1().Events(raw.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		c.log.WithError(err).Warnf("listing events in %s", raw.Namespace)
		return
	}
	cutoff := time.Now().Add(-c.cfg.EventLookback)
	for _, ev := range events.Items {
		when := ev.LastTimestamp.Time
		if when.IsZero() {
			when = ev.CreationTimestamp.Time
		}
		if when.Before(cutoff) {
			continue
		}
		raw.Events = append(raw.Events, models.RawEvent{
			Reason:    ev.Reason,
			Message:   ev.Message,
			Type:      ev.Type,
			Object:    ev.InvolvedObject.Kind + "/" + ev.InvolvedObject.Name,
			Count:     ev.Count,
			Timestamp: when.UTC().Format(time.RFC3339),
		})
	}
}

func (c *Collector) collectLogs(ctx context.Context, raw *models.RawContext, pods []corev1.Pod) {
	since := int64(c.cfg.LogTailWindow.Seconds())
	tail := int64(c.cfg.MaxLogLines)
	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			key := pod.Name + "/" + cs.Name
			opts := &corev1.PodLogOptions{
				Container:    cs.Name,
				SinceSeconds: &since,
				TailLines:    &tail,
			}
			// Restarted containers carry the interesting output in
			// the previous instance.
			if cs.RestartCount > 0 {
				opts.Previous = true
				opts.SinceSeconds = nil
			}
			data, err := c.clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, opts).DoRaw(ctx)
			if err != nil && opts.Previous {
				opts.Previous = false
				opts.SinceSeconds = &since
				data, err = c.clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, opts).DoRaw(ctx)
			}
			if err != nil {
				c.log.WithError(err).Debugf("fetching logs for %s", key)
				continue
			}
			lines := splitLines(string(data), c.cfg.MaxLogLines)
			if len(lines) > 0 {
				raw.Logs[key] = lines
			}
		}
	}
}

// SummarizePods projects pod objects down to the fields the reducer
// and the early-failure policy consume.
func SummarizePods(pods []corev1.Pod) []models.PodSummary {
	out := make([]models.PodSummary, 0, len(pods))
	for _, pod := range pods {
		summary := models.PodSummary{
			Name:        pod.Name,
			Phase:       string(pod.Status.Phase),
			Reason:      pod.Status.Reason,
			Terminating: pod.DeletionTimestamp != nil,
		}
		for _, cs := range pod.Status.ContainerStatuses {
			summary.RestartCount += cs.RestartCount
			if cs.State.Waiting != nil && summary.WaitingReason == "" {
				summary.WaitingReason = cs.State.Waiting.Reason
			}
		}
		out = append(out, summary)
	}
	return out
}

func splitLines(s string, limit int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}
