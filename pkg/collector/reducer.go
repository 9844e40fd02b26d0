package collector

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

// Reducer compresses a RawContext into a bounded ReducedContext.
// Reduction is deterministic: the same input and configuration always
// produce a byte-identical serialized result. All ordering is by
// explicit sort keys, never map iteration or arrival order.
type Reducer struct {
	maxEvents      int
	maxLogClusters int
}

func NewReducer(cfg *config.Config) *Reducer {
	return &Reducer{
		maxEvents:      cfg.MaxEvents,
		maxLogClusters: cfg.MaxLogClusters,
	}
}

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	hexPattern       = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{8,}\b`)
	numberPattern    = regexp.MustCompile(`\d+`)
)

// maskLine replaces the volatile parts of a log line so structurally
// identical lines collapse into one template.
func maskLine(line string) string {
	masked := timestampPattern.ReplaceAllString(line, "<ts>")
	masked = hexPattern.ReplaceAllString(masked, "<hash>")
	masked = numberPattern.ReplaceAllString(masked, "<n>")
	return strings.TrimSpace(masked)
}

// Reduce builds the bounded evidence summary for one target. phase is
// the current rollout status (or the incident type for incidents).
func (r *Reducer) Reduce(raw *models.RawContext, phase string) *models.ReducedContext {
	reduced := &models.ReducedContext{
		Cluster:    raw.Cluster,
		Namespace:  raw.Namespace,
		Deployment: raw.Deployment,
		Generation: raw.Generation,
		Phase:      phase,
	}

	failing := make([]string, 0, len(raw.Pods))
	waitingCounts := map[string]int{}
	for _, pod := range raw.Pods {
		switch {
		case pod.WaitingReason != "":
			failing = append(failing, fmt.Sprintf("%s (%s, restarts=%d)", pod.Name, pod.WaitingReason, pod.RestartCount))
			waitingCounts[pod.WaitingReason]++
		case pod.Phase == "Failed" || pod.Phase == "Pending":
			failing = append(failing, fmt.Sprintf("%s (%s)", pod.Name, pod.Phase))
			waitingCounts[pod.Phase]++
		case pod.Terminating:
			failing = append(failing, fmt.Sprintf("%s (terminating)", pod.Name))
		}
	}
	sort.Strings(failing)
	reduced.FailingPods = failing
	reduced.Summary = r.summarize(raw, waitingCounts)
	reduced.Events = r.reduceEvents(raw.Events)
	reduced.LogClusters = r.reduceLogs(raw.Logs)

	if raw.GitOpsApp != "" {
		reduced.GitOps = raw.GitOpsApp
		if raw.GitOpsSync != "" {
			reduced.GitOps += " (" + raw.GitOpsSync + ")"
		}
	}
	if raw.HelmRelease != "" {
		reduced.Helm = raw.HelmRelease
		if raw.HelmStatus != "" {
			reduced.Helm += " (" + raw.HelmStatus + ")"
		}
	}
	return reduced
}

func (r *Reducer) summarize(raw *models.RawContext, waitingCounts map[string]int) string {
	parts := []string{fmt.Sprintf("%d/%d replicas ready", raw.ReadyReplicas, raw.DesiredReplicas)}

	reasons := make([]string, 0, len(waitingCounts))
	for reason := range waitingCounts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%d pods %s", waitingCounts[reason], reason))
	}

	condKeys := make([]string, 0, len(raw.Conditions))
	for k := range raw.Conditions {
		condKeys = append(condKeys, k)
	}
	sort.Strings(condKeys)
	for _, k := range condKeys {
		if strings.HasPrefix(raw.Conditions[k], "False") {
			parts = append(parts, fmt.Sprintf("condition %s %s", k, raw.Conditions[k]))
		}
	}
	return strings.Join(parts, "; ")
}

// reduceEvents groups warning events by reason plus masked message,
// then keeps the highest-frequency groups. Ties break on reason, then
// message, ascending.
func (r *Reducer) reduceEvents(events []models.RawEvent) []models.EventSummary {
	type group struct {
		reason, message, last string
		count                 int
	}
	groups := map[string]*group{}
	for _, ev := range events {
		if ev.Type != "Warning" {
			continue
		}
		key := ev.Reason + "|" + maskLine(ev.Message)
		g, ok := groups[key]
		if !ok {
			g = &group{reason: ev.Reason, message: ev.Message}
			groups[key] = g
		}
		weight := int(ev.Count)
		if weight < 1 {
			weight = 1
		}
		g.count += weight
		if ev.Timestamp > g.last {
			g.last = ev.Timestamp
			g.message = ev.Message
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		if ordered[i].reason != ordered[j].reason {
			return ordered[i].reason < ordered[j].reason
		}
		return ordered[i].message < ordered[j].message
	})
	if len(ordered) > r.maxEvents {
		ordered = ordered[:r.maxEvents]
	}

	out := make([]models.EventSummary, len(ordered))
	for i, g := range ordered {
		out[i] = models.EventSummary{
			Reason:        g.reason,
			Message:       g.message,
			Count:         g.count,
			LastTimestamp: g.last,
		}
	}
	return out
}

// reduceLogs clusters log lines by masked template across all
// containers, keeping one representative line per cluster. Ordering is
// count descending, then template ascending.
func (r *Reducer) reduceLogs(logs map[string][]string) []models.LogCluster {
	type cluster struct {
		pod, container, template, example string
		count                             int
	}
	clusters := map[string]*cluster{}

	keys := make([]string, 0, len(logs))
	for k := range logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		pod, container := key, ""
		if idx := strings.IndexByte(key, '/'); idx >= 0 {
			pod, container = key[:idx], key[idx+1:]
		}
		for _, line := range logs[key] {
			template := maskLine(line)
			if template == "" {
				continue
			}
			c, ok := clusters[template]
			if !ok {
				c = &cluster{pod: pod, container: container, template: template, example: line}
				clusters[template] = c
			}
			c.count++
		}
	}

	ordered := make([]*cluster, 0, len(clusters))
	for _, c := range clusters {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].template < ordered[j].template
	})
	if len(ordered) > r.maxLogClusters {
		ordered = ordered[:r.maxLogClusters]
	}

	out := make([]models.LogCluster, len(ordered))
	for i, c := range ordered {
		out[i] = models.LogCluster{
			Pod:       c.pod,
			Container: c.container,
			Template:  c.template,
			Example:   c.example,
			Count:     c.count,
		}
	}
	return out
}

// Marshal serializes a ReducedContext. Field order is fixed by the
// struct definition, so equal values always serialize identically.
func Marshal(reduced *models.ReducedContext) ([]byte, error) {
	data, err := json.Marshal(reduced)
	if err != nil {
		return nil, fmt.Errorf("serializing reduced context: %w", err)
	}
	return data, nil
}
