package toolgw

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func (g *Gateway) metricsQuery(ctx context.Context, call Call) (string, error) {
	if g.prom == nil {
		return "metrics backend is not configured", nil
	}
	if call.Query == "" {
		return "", fmt.Errorf("metrics_query: query is required")
	}
	value, warnings, err := g.prom.Query(ctx, call.Query, time.Now())
	if err != nil {
		return "", fmt.Errorf("querying metrics backend: %w", err)
	}

	var b strings.Builder
	for _, w := range warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	switch v := value.(type) {
	case model.Vector:
		if len(v) == 0 {
			b.WriteString("query returned no series")
			break
		}
		for i, sample := range v {
			if i >= 20 {
				fmt.Fprintf(&b, "... %d more series\n", len(v)-i)
				break
			}
			fmt.Fprintf(&b, "%s = %v\n", sample.Metric, sample.Value)
		}
	case *model.Scalar:
		fmt.Fprintf(&b, "%v\n", v.Value)
	default:
		fmt.Fprintf(&b, "%v\n", value)
	}
	return b.String(), nil
}

func (g *Gateway) topPods(ctx context.Context, call Call) (string, error) {
	if g.metrics == nil {
		return "pod metrics API is not available", nil
	}
	if call.Namespace == "" {
		return "", fmt.Errorf("top_pods: namespace is required")
	}
	podMetrics, err := g.metrics.MetricsV1beta1().PodMetricses(call.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing pod metrics in %s: %w", call.Namespace, err)
	}
	if len(podMetrics.Items) == 0 {
		return fmt.Sprintf("no pod metrics available in namespace %s", call.Namespace), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pod usage in %s:\n", call.Namespace)
	for _, pm := range podMetrics.Items {
		for _, c := range pm.Containers {
			cpu := c.Usage.Cpu().MilliValue()
			mem := c.Usage.Memory().Value() / (1024 * 1024)
			fmt.Fprintf(&b, "- %s/%s cpu=%dm memory=%dMi\n", pm.Name, c.Name, cpu, mem)
		}
	}
	return b.String(), nil
}
