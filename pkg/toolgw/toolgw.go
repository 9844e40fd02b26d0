package toolgw

import (
	"context"
	"fmt"

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Tool tags the closed set of read-only cluster queries the
// investigation loop may invoke. Dispatch is by tag, never by
// reflection.
type Tool string

const (
	ToolListPods     Tool = "list_pods"
	ToolDescribe     Tool = "describe"
	ToolLogs         Tool = "pod_logs"
	ToolEvents       Tool = "namespace_events"
	ToolConfigRefs   Tool = "config_references"
	ToolNetwork      Tool = "network_topology"
	ToolNodes        Tool = "node_status"
	ToolStorage      Tool = "storage_claims"
	ToolRBACCheck    Tool = "rbac_check"
	ToolDeployMeta   Tool = "deploy_tool_metadata"
	ToolMetricsQuery Tool = "metrics_query"
	ToolTopPods      Tool = "top_pods"
)

// Call is one structured tool invocation. Fields beyond Tool and
// Namespace are interpreted per tag.
type Call struct {
	Tool      Tool   `json:"tool"`
	Namespace string `json:"namespace,omitempty"`
	// Kind and Name identify one resource for describe-style tools.
	Kind string `json:"kind,omitempty"`
	Name string `json:"name,omitempty"`
	// Pod log options.
	Container string `json:"container,omitempty"`
	TailLines int    `json:"tail_lines,omitempty"`
	Previous  bool   `json:"previous,omitempty"`
	// Pod selection.
	LabelSelector string `json:"label_selector,omitempty"`
	// Event filtering.
	ObjectName string `json:"object_name,omitempty"`
	// RBAC probe.
	Verb     string `json:"verb,omitempty"`
	Resource string `json:"resource,omitempty"`
	// PromQL for the metrics backend.
	Query string `json:"query,omitempty"`
}

// Definition describes one tool to the inference backend: a name, a
// prose description and a JSON-schema parameter object.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Gateway executes tool calls against the live cluster. Every call is
// idempotent and side-effect free; secret and configmap values are
// never returned, only existence.
type Gateway struct {
	clientset kubernetes.Interface
	metrics   metricsv.Interface
	prom      promv1.API
}

// New creates a Gateway. The metrics clientset and the Prometheus API
// are optional; the corresponding tools report unavailability when nil.
func New(clientset kubernetes.Interface, metrics metricsv.Interface, prom promv1.API) *Gateway {
	return &Gateway{clientset: clientset, metrics: metrics, prom: prom}
}

// Execute dispatches one call by tag and returns a textual result
// suitable for an investigation transcript.
func (g *Gateway) Execute(ctx context.Context, call Call) (string, error) {
	switch call.Tool {
	case ToolListPods:
		return g.listPods(ctx, call)
	case ToolDescribe:
		return g.describe(ctx, call)
	case ToolLogs:
		return g.podLogs(ctx, call)
	case ToolEvents:
		return g.namespaceEvents(ctx, call)
	case ToolConfigRefs:
		return g.configReferences(ctx, call)
	case ToolNetwork:
		return g.networkTopology(ctx, call)
	case ToolNodes:
		return g.nodeStatus(ctx)
	case ToolStorage:
		return g.storageClaims(ctx, call)
	case ToolRBACCheck:
		return g.rbacCheck(ctx, call)
	case ToolDeployMeta:
		return g.deployToolMetadata(ctx, call)
	case ToolMetricsQuery:
		return g.metricsQuery(ctx, call)
	case ToolTopPods:
		return g.topPods(ctx, call)
	default:
		return "", fmt.Errorf("unknown tool %q", call.Tool)
	}
}

// Definitions returns the tool catalog exposed to the inference
// backend. Order is fixed so prompts are reproducible.
func Definitions() []Definition {
	strProp := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	obj := func(props map[string]interface{}, required ...string) map[string]interface{} {
		schema := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}

	return []Definition{
		{
			Name:        string(ToolListPods),
			Description: "List pods in a namespace with phase, restart counts and waiting reasons. Optionally filter by label selector.",
			Parameters: obj(map[string]interface{}{
				"namespace":      strProp("Namespace to list pods in."),
				"label_selector": strProp("Optional label selector, e.g. app=frontend."),
			}, "namespace"),
		},
		{
			Name:        string(ToolDescribe),
			Description: "Show the full manifest of one resource as YAML. Supported kinds: Pod, Deployment, Service, ConfigMap.",
			Parameters: obj(map[string]interface{}{
				"kind":      strProp("Resource kind."),
				"name":      strProp("Resource name."),
				"namespace": strProp("Resource namespace."),
			}, "kind", "name", "namespace"),
		},
		{
			Name:        string(ToolLogs),
			Description: "Fetch container logs for a pod. Set previous=true after a restart to see the crashed container's output.",
			Parameters: obj(map[string]interface{}{
				"name":      strProp("Pod name."),
				"namespace": strProp("Pod namespace."),
				"container": strProp("Container name; defaults to the first container."),
				"tail_lines": map[string]interface{}{
					"type": "integer", "description": "Number of trailing lines, default 50.",
				},
				"previous": map[string]interface{}{
					"type": "boolean", "description": "Read the previous container instance.",
				},
			}, "name", "namespace"),
		},
		{
			Name:        string(ToolEvents),
			Description: "List recent events in a namespace, newest first, optionally filtered by involved object name.",
			Parameters: obj(map[string]interface{}{
				"namespace":   strProp("Namespace to list events in."),
				"object_name": strProp("Optional involved object name to filter by."),
			}, "namespace"),
		},
		{
			Name:        string(ToolConfigRefs),
			Description: "Check that every configmap and secret a deployment references exists. Reports existence only, never values.",
			Parameters: obj(map[string]interface{}{
				"name":      strProp("Deployment name."),
				"namespace": strProp("Deployment namespace."),
			}, "name", "namespace"),
		},
		{
			Name:        string(ToolNetwork),
			Description: "Summarize services and ingresses in a namespace with their backends.",
			Parameters: obj(map[string]interface{}{
				"namespace": strProp("Namespace to inspect."),
			}, "namespace"),
		},
		{
			Name:        string(ToolNodes),
			Description: "Show node readiness and pressure conditions across the cluster.",
			Parameters:  obj(map[string]interface{}{}),
		},
		{
			Name:        string(ToolStorage),
			Description: "List persistent volume claims in a namespace with phase and capacity.",
			Parameters: obj(map[string]interface{}{
				"namespace": strProp("Namespace to inspect."),
			}, "namespace"),
		},
		{
			Name:        string(ToolRBACCheck),
			Description: "Probe whether the current identity may perform a verb on a resource in a namespace.",
			Parameters: obj(map[string]interface{}{
				"namespace": strProp("Namespace scope of the probe."),
				"verb":      strProp("Verb to probe, e.g. get, list, create."),
				"resource":  strProp("Resource to probe, e.g. pods, secrets."),
			}, "verb", "resource"),
		},
		{
			Name:        string(ToolDeployMeta),
			Description: "Report GitOps or Helm management metadata for a deployment, if any.",
			Parameters: obj(map[string]interface{}{
				"name":      strProp("Deployment name."),
				"namespace": strProp("Deployment namespace."),
			}, "name", "namespace"),
		},
		{
			Name:        string(ToolMetricsQuery),
			Description: "Run an instant PromQL query against the metrics backend.",
			Parameters: obj(map[string]interface{}{
				"query": strProp("PromQL expression."),
			}, "query"),
		},
		{
			Name:        string(ToolTopPods),
			Description: "Show live CPU and memory usage for pods in a namespace from the metrics API.",
			Parameters: obj(map[string]interface{}{
				"namespace": strProp("Namespace to inspect."),
			}, "namespace"),
		},
	}
}
