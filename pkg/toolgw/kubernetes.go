package toolgw

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const defaultLogTail = 50

func (g *Gateway) listPods(ctx context.Context, call Call) (string, error) {
	if call.Namespace == "" {
		return "", fmt.Errorf("list_pods: namespace is required")
	}
	pods, err := g.clientset.CoreV1().Pods(call.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: call.LabelSelector,
	})
	if err != nil {
		return "", fmt.Errorf("listing pods in %s: %w", call.Namespace, err)
	}
	if len(pods.Items) == 0 {
		return fmt.Sprintf("no pods found in namespace %s", call.Namespace), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d pods in %s:\n", len(pods.Items), call.Namespace)
	for _, pod := range pods.Items {
		restarts := int32(0)
		waiting := ""
		for _, cs := range pod.Status.ContainerStatuses {
			restarts += cs.RestartCount
			if cs.State.Waiting != nil && waiting == "" {
				waiting = cs.State.Waiting.Reason
			}
		}
		line := fmt.Sprintf("- %s phase=%s restarts=%d", pod.Name, pod.Status.Phase, restarts)
		if waiting != "" {
			line += " waiting=" + waiting
		}
		if pod.DeletionTimestamp != nil {
			line += " terminating"
		}
		b.WriteString(line + "\n")
	}
	return b.String(), nil
}

func (g *Gateway) describe(ctx context.Context, call Call) (string, error) {
	if call.Name == "" || call.Namespace == "" {
		return "", fmt.Errorf("describe: kind, name and namespace are required")
	}
	var obj interface{}
	var err error
	switch strings.ToLower(call.Kind) {
	case "pod":
		obj, err = g.clientset.CoreV1().Pods(call.Namespace).Get(ctx, call.Name, metav1.GetOptions{})
	case "deployment":
		obj, err = g.clientset.AppsV1().Deployments(call.Namespace).Get(ctx, call.Name, metav1.GetOptions{})
	case "service":
		obj, err = g.clientset.CoreV1().Services(call.Namespace).Get(ctx, call.Name, metav1.GetOptions{})
	case "configmap":
		cm, cmErr := g.clientset.CoreV1().ConfigMaps(call.Namespace).Get(ctx, call.Name, metav1.GetOptions{})
		if cmErr != nil {
			err = cmErr
			break
		}
		// Keys only. Values stay out of the transcript.
		keys := make([]string, 0, len(cm.Data))
		for k := range cm.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("configmap %s/%s with keys: %s", call.Namespace, call.Name, strings.Join(keys, ", ")), nil
	default:
		return "", fmt.Errorf("describe: unsupported kind %q", call.Kind)
	}
	if err != nil {
		return "", fmt.Errorf("describing %s %s/%s: %w", call.Kind, call.Namespace, call.Name, err)
	}
	return renderYAML(obj)
}

// renderYAML round-trips through JSON so the k8s struct tags apply,
// then strips server-side noise before marshaling to YAML.
func renderYAML(obj interface{}) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encoding resource: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", fmt.Errorf("decoding resource: %w", err)
	}
	if meta, ok := tree["metadata"].(map[string]interface{}); ok {
		delete(meta, "managedFields")
	}
	out, err := yaml.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("rendering resource: %w", err)
	}
	return string(out), nil
}

func (g *Gateway) podLogs(ctx context.Context, call Call) (string, error) {
	if call.Name == "" || call.Namespace == "" {
		return "", fmt.Errorf("pod_logs: name and namespace are required")
	}
	tail := int64(call.TailLines)
	if tail <= 0 {
		tail = defaultLogTail
	}
	opts := &corev1.PodLogOptions{
		Container: call.Container,
		TailLines: &tail,
		Previous:  call.Previous,
	}
	raw, err := g.clientset.CoreV1().Pods(call.Namespace).GetLogs(call.Name, opts).DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching logs for %s/%s: %w", call.Namespace, call.Name, err)
	}
	if len(raw) == 0 {
		return fmt.Sprintf("no log output from pod %s/%s", call.Namespace, call.Name), nil
	}
	return string(raw), nil
}

func (g *Gateway) namespaceEvents(ctx context.Context, call Call) (string, error) {
	if call.Namespace == "" {
		return "", fmt.Errorf("namespace_events: namespace is required")
	}
	events, err := g.clientset.CoreV1().Events(call.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing events in %s: %w", call.Namespace, err)
	}

	items := events.Items
	if call.ObjectName != "" {
		filtered := items[:0]
		for _, ev := range items {
			if ev.InvolvedObject.Name == call.ObjectName {
				filtered = append(filtered, ev)
			}
		}
		items = filtered
	}
	if len(items) == 0 {
		return fmt.Sprintf("no events in namespace %s", call.Namespace), nil
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].LastTimestamp.After(items[j].LastTimestamp.Time)
	})
	if len(items) > 20 {
		items = items[:20]
	}

	var b strings.Builder
	for _, ev := range items {
		fmt.Fprintf(&b, "[%s] %s %s/%s: %s (x%d)\n",
			ev.Type, ev.Reason, ev.InvolvedObject.Kind, ev.InvolvedObject.Name, ev.Message, max32(ev.Count, 1))
	}
	return b.String(), nil
}

func (g *Gateway) configReferences(ctx context.Context, call Call) (string, error) {
	if call.Name == "" || call.Namespace == "" {
		return "", fmt.Errorf("config_references: name and namespace are required")
	}
	deploy, err := g.clientset.AppsV1().Deployments(call.Namespace).Get(ctx, call.Name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting deployment %s/%s: %w", call.Namespace, call.Name, err)
	}

	configMaps := map[string]bool{}
	secrets := map[string]bool{}
	spec := deploy.Spec.Template.Spec
	for _, c := range spec.Containers {
		for _, envFrom := range c.EnvFrom {
			if envFrom.ConfigMapRef != nil {
				configMaps[envFrom.ConfigMapRef.Name] = false
			}
			if envFrom.SecretRef != nil {
				secrets[envFrom.SecretRef.Name] = false
			}
		}
		for _, env := range c.Env {
			if env.ValueFrom == nil {
				continue
			}
			if env.ValueFrom.ConfigMapKeyRef != nil {
				configMaps[env.ValueFrom.ConfigMapKeyRef.Name] = false
			}
			if env.ValueFrom.SecretKeyRef != nil {
				secrets[env.ValueFrom.SecretKeyRef.Name] = false
			}
		}
	}
	for _, vol := range spec.Volumes {
		if vol.ConfigMap != nil {
			configMaps[vol.ConfigMap.Name] = false
		}
		if vol.Secret != nil {
			secrets[vol.Secret.SecretName] = false
		}
	}
	if len(configMaps) == 0 && len(secrets) == 0 {
		return fmt.Sprintf("deployment %s/%s references no configmaps or secrets", call.Namespace, call.Name), nil
	}

	for name := range configMaps {
		_, err := g.clientset.CoreV1().ConfigMaps(call.Namespace).Get(ctx, name, metav1.GetOptions{})
		configMaps[name] = err == nil
	}
	for name := range secrets {
		_, err := g.clientset.CoreV1().Secrets(call.Namespace).Get(ctx, name, metav1.GetOptions{})
		secrets[name] = err == nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "references for deployment %s/%s:\n", call.Namespace, call.Name)
	for _, name := range sortedKeys(configMaps) {
		fmt.Fprintf(&b, "- configmap %s exists=%t\n", name, configMaps[name])
	}
	for _, name := range sortedKeys(secrets) {
		fmt.Fprintf(&b, "- secret %s exists=%t\n", name, secrets[name])
	}
	return b.String(), nil
}

func (g *Gateway) networkTopology(ctx context.Context, call Call) (string, error) {
	if call.Namespace == "" {
		return "", fmt.Errorf("network_topology: namespace is required")
	}
	services, err := g.clientset.CoreV1().Services(call.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing services in %s: %w", call.Namespace, err)
	}
	ingresses, err := g.clientset.NetworkingV1().Ingresses(call.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing ingresses in %s: %w", call.Namespace, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "services in %s:\n", call.Namespace)
	if len(services.Items) == 0 {
		b.WriteString("- none\n")
	}
	for _, svc := range services.Items {
		ports := make([]string, 0, len(svc.Spec.Ports))
		for _, p := range svc.Spec.Ports {
			ports = append(ports, fmt.Sprintf("%d->%s", p.Port, p.TargetPort.String()))
		}
		selector := make([]string, 0, len(svc.Spec.Selector))
		for _, k := range sortedKeys(toBoolMap(svc.Spec.Selector)) {
			selector = append(selector, k+"="+svc.Spec.Selector[k])
		}
		fmt.Fprintf(&b, "- %s type=%s ports=[%s] selector={%s}\n",
			svc.Name, svc.Spec.Type, strings.Join(ports, ","), strings.Join(selector, ","))
	}
	fmt.Fprintf(&b, "ingresses in %s:\n", call.Namespace)
	if len(ingresses.Items) == 0 {
		b.WriteString("- none\n")
	}
	for _, ing := range ingresses.Items {
		hosts := make([]string, 0, len(ing.Spec.Rules))
		for _, rule := range ing.Spec.Rules {
			hosts = append(hosts, rule.Host)
		}
		fmt.Fprintf(&b, "- %s hosts=[%s]\n", ing.Name, strings.Join(hosts, ","))
	}
	return b.String(), nil
}

func (g *Gateway) nodeStatus(ctx context.Context) (string, error) {
	nodes, err := g.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing nodes: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d nodes:\n", len(nodes.Items))
	for _, node := range nodes.Items {
		ready := "Unknown"
		pressures := []string{}
		for _, cond := range node.Status.Conditions {
			switch cond.Type {
			case corev1.NodeReady:
				ready = string(cond.Status)
			case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure:
				if cond.Status == corev1.ConditionTrue {
					pressures = append(pressures, string(cond.Type))
				}
			}
		}
		line := fmt.Sprintf("- %s ready=%s", node.Name, ready)
		if node.Spec.Unschedulable {
			line += " unschedulable"
		}
		if len(pressures) > 0 {
			line += " pressure=[" + strings.Join(pressures, ",") + "]"
		}
		b.WriteString(line + "\n")
	}
	return b.String(), nil
}

func (g *Gateway) storageClaims(ctx context.Context, call Call) (string, error) {
	if call.Namespace == "" {
		return "", fmt.Errorf("storage_claims: namespace is required")
	}
	claims, err := g.clientset.CoreV1().PersistentVolumeClaims(call.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing persistent volume claims in %s: %w", call.Namespace, err)
	}
	if len(claims.Items) == 0 {
		return fmt.Sprintf("no persistent volume claims in namespace %s", call.Namespace), nil
	}
	var b strings.Builder
	for _, pvc := range claims.Items {
		capacity := ""
		if qty, ok := pvc.Status.Capacity[corev1.ResourceStorage]; ok {
			capacity = qty.String()
		}
		fmt.Fprintf(&b, "- %s phase=%s capacity=%s volume=%s\n", pvc.Name, pvc.Status.Phase, capacity, pvc.Spec.VolumeName)
	}
	return b.String(), nil
}

func (g *Gateway) rbacCheck(ctx context.Context, call Call) (string, error) {
	if call.Verb == "" || call.Resource == "" {
		return "", fmt.Errorf("rbac_check: verb and resource are required")
	}
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace: call.Namespace,
				Verb:      call.Verb,
				Resource:  call.Resource,
			},
		},
	}
	result, err := g.clientset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("rbac probe %s %s: %w", call.Verb, call.Resource, err)
	}
	status := "denied"
	if result.Status.Allowed {
		status = "allowed"
	}
	msg := fmt.Sprintf("%s %s in namespace %q: %s", call.Verb, call.Resource, call.Namespace, status)
	if result.Status.Reason != "" {
		msg += " (" + result.Status.Reason + ")"
	}
	return msg, nil
}

func (g *Gateway) deployToolMetadata(ctx context.Context, call Call) (string, error) {
	if call.Name == "" || call.Namespace == "" {
		return "", fmt.Errorf("deploy_tool_metadata: name and namespace are required")
	}
	deploy, err := g.clientset.AppsV1().Deployments(call.Namespace).Get(ctx, call.Name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting deployment %s/%s: %w", call.Namespace, call.Name, err)
	}

	var b strings.Builder
	found := false
	if app, ok := deploy.Labels["argocd.argoproj.io/instance"]; ok {
		fmt.Fprintf(&b, "managed by Argo CD application %q\n", app)
		found = true
	} else if app, ok := deploy.Labels["app.kubernetes.io/instance"]; ok {
		fmt.Fprintf(&b, "app.kubernetes.io/instance=%q (possible GitOps application)\n", app)
		found = true
	}
	if deploy.Labels["app.kubernetes.io/managed-by"] == "Helm" {
		release := deploy.Annotations["meta.helm.sh/release-name"]
		// Helm stores release state in secrets labeled owner=helm.
		secrets, err := g.clientset.CoreV1().Secrets(call.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "owner=helm,name=" + release,
		})
		status := "unknown"
		if err == nil && len(secrets.Items) > 0 {
			latest := secrets.Items[len(secrets.Items)-1]
			if s, ok := latest.Labels["status"]; ok {
				status = s
			}
		}
		fmt.Fprintf(&b, "managed by Helm release %q status=%s\n", release, status)
		found = true
	}
	if !found {
		return fmt.Sprintf("deployment %s/%s carries no GitOps or Helm management metadata", call.Namespace, call.Name), nil
	}
	return b.String(), nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toBoolMap(m map[string]string) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
