package watcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/telemetry"
)

var systemNamespaces = map[string]bool{
	"kube-system":     true,
	"kube-public":     true,
	"kube-node-lease": true,
}

// ScanNamespaces runs the periodic incident detectors over every
// monitored namespace. Each detection opens a new incident or merges
// into the open one for its (namespace, type).
func (w *Watcher) ScanNamespaces(ctx context.Context) error {
	namespaces, err := w.monitoredNamespaces(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, ns := range namespaces {
		for _, detection := range w.detect(ctx, ns, now) {
			w.recordIncident(ctx, detection, now)
		}
	}
	return nil
}

type detection struct {
	namespace string
	incType   models.IncidentType
	detail    string
}

func (w *Watcher) monitoredNamespaces(ctx context.Context) ([]string, error) {
	list, err := w.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	var out []string
	for _, ns := range list.Items {
		if systemNamespaces[ns.Name] {
			continue
		}
		switch w.cfg.OptIn {
		case config.OptInAll:
			out = append(out, ns.Name)
		case config.OptInNamespace:
			if ns.Annotations[EnabledMarker] == "true" {
				out = append(out, ns.Name)
			}
		default:
			// Label mode: monitor namespaces holding at least one
			// opted-in deployment.
			deploys, err := w.clientset.AppsV1().Deployments(ns.Name).List(ctx, metav1.ListOptions{
				LabelSelector: EnabledMarker + "=true",
			})
			if err == nil && len(deploys.Items) > 0 {
				out = append(out, ns.Name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (w *Watcher) detect(ctx context.Context, namespace string, now time.Time) []detection {
	var detections []detection

	pods, err := w.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		w.log.WithError(err).Warnf("listing pods in %s during scan", namespace)
		return nil
	}
	events, err := w.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		w.log.WithError(err).Warnf("listing events in %s during scan", namespace)
		events = &corev1.EventList{}
	}
	quotas, err := w.clientset.CoreV1().ResourceQuotas(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		w.log.WithError(err).Warnf("listing resource quotas in %s during scan", namespace)
		quotas = &corev1.ResourceQuotaList{}
	}

	if d := detectStuckTerminating(pods.Items, now, w.cfg.TerminatingStuckAfter); d != "" {
		detections = append(detections, detection{namespace, models.IncidentStuckTerminating, d})
	}
	if d := detectQuotaViolation(events.Items, quotas.Items, now, w.cfg.EvictionWindow); d != "" {
		detections = append(detections, detection{namespace, models.IncidentQuotaViolation, d})
	}
	if d := detectEvictionStorm(pods.Items, events.Items, now, w.cfg.EvictionWindow, w.cfg.EvictionThreshold); d != "" {
		detections = append(detections, detection{namespace, models.IncidentEvictionStorm, d})
	}
	if d := detectRestartStorm(events.Items, now, w.cfg.RestartWindow, w.cfg.RestartThreshold); d != "" {
		detections = append(detections, detection{namespace, models.IncidentRestartStorm, d})
	}
	return detections
}

func detectStuckTerminating(pods []corev1.Pod, now time.Time, stuckAfter time.Duration) string {
	var stuck []string
	for _, pod := range pods {
		if pod.DeletionTimestamp == nil {
			continue
		}
		if now.Sub(pod.DeletionTimestamp.Time) > stuckAfter {
			stuck = append(stuck, pod.Name)
		}
	}
	if len(stuck) == 0 {
		return ""
	}
	sort.Strings(stuck)
	return fmt.Sprintf("%d pods terminating for over %s: %s", len(stuck), stuckAfter, strings.Join(stuck, ", "))
}

// detectQuotaViolation flags a namespace when admission starts
// rejecting objects over quota, or when any ResourceQuota reports a
// resource whose usage has reached its hard limit.
func detectQuotaViolation(events []corev1.Event, quotas []corev1.ResourceQuota, now time.Time, window time.Duration) string {
	cutoff := now.Add(-window)
	for _, ev := range events {
		if ev.Type != "Warning" || eventTime(ev).Before(cutoff) {
			continue
		}
		if strings.Contains(strings.ToLower(ev.Message), "exceeded quota") {
			return ev.Message
		}
	}
	for _, quota := range quotas {
		var exhausted []string
		for name, hard := range quota.Status.Hard {
			used, ok := quota.Status.Used[name]
			if !ok || used.Cmp(hard) < 0 {
				continue
			}
			exhausted = append(exhausted, fmt.Sprintf("%s used %s of %s", name, used.String(), hard.String()))
		}
		if len(exhausted) > 0 {
			sort.Strings(exhausted)
			return fmt.Sprintf("resourcequota %s exhausted: %s", quota.Name, strings.Join(exhausted, ", "))
		}
	}
	return ""
}

func detectEvictionStorm(pods []corev1.Pod, events []corev1.Event, now time.Time, window time.Duration, threshold int) string {
	cutoff := now.Add(-window)
	evicted := 0
	for _, pod := range pods {
		if pod.Status.Reason == "Evicted" {
			evicted++
		}
	}
	for _, ev := range events {
		if ev.Reason == "Evicted" && !eventTime(ev).Before(cutoff) {
			evicted += int(countOrOne(ev))
		}
	}
	if evicted < threshold {
		return ""
	}
	return fmt.Sprintf("%d evictions observed within %s", evicted, window)
}

func detectRestartStorm(events []corev1.Event, now time.Time, window time.Duration, threshold int) string {
	cutoff := now.Add(-window)
	restarts := 0
	for _, ev := range events {
		if ev.Reason == "BackOff" && !eventTime(ev).Before(cutoff) {
			restarts += int(countOrOne(ev))
		}
	}
	if restarts < threshold {
		return ""
	}
	return fmt.Sprintf("%d container restarts observed within %s", restarts, window)
}

func (w *Watcher) recordIncident(ctx context.Context, d detection, now time.Time) {
	incident := &models.NamespaceIncident{
		ID:              uuid.New().String(),
		Cluster:         w.cfg.ClusterName,
		Namespace:       d.namespace,
		Type:            d.incType,
		WindowStart:     now,
		WindowEnd:       now,
		OccurrenceCount: 1,
		Detail:          d.detail,
		AnalysisStatus:  models.AnalysisNone,
		NotifyStatus:    models.NotifyPending,
	}
	merged, err := w.store.OpenOrMergeIncident(ctx, incident, w.cfg.CorrelationWindow)
	if err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"namespace": d.namespace,
			"type":      d.incType,
		}).Warn("recording incident failed")
		return
	}
	outcome := "opened"
	if merged.OccurrenceCount > 1 {
		outcome = "merged"
	}
	telemetry.ObserveIncident(string(d.incType), outcome)
	w.log.WithFields(logrus.Fields{
		"namespace":   d.namespace,
		"type":        d.incType,
		"occurrences": merged.OccurrenceCount,
	}).Info("namespace incident " + outcome)
}

func eventTime(ev corev1.Event) time.Time {
	if !ev.LastTimestamp.IsZero() {
		return ev.LastTimestamp.Time
	}
	return ev.CreationTimestamp.Time
}

func countOrOne(ev corev1.Event) int32 {
	if ev.Count > 0 {
		return ev.Count
	}
	return 1
}
