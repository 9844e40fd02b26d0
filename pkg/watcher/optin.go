package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
)

const (
	// EnabledMarker opts a deployment or namespace into monitoring.
	EnabledMarker = "rollout-sentinel/enabled"
	// AnnotationPrefix namespaces all recognized metadata annotations.
	AnnotationPrefix = "rollout-sentinel/"
	// TeamAnnotation and ChannelAnnotation route notifications.
	TeamAnnotation    = "rollout-sentinel/team"
	ChannelAnnotation = "rollout-sentinel/slack-channel"
)

// namespaceInfo is one cached namespace's monitoring metadata.
type namespaceInfo struct {
	enabled     bool
	annotations map[string]string
	fetchedAt   time.Time
}

// NamespaceCache caches namespace annotations with a short TTL so the
// watch loop does not hit the API server on every deployment event.
type NamespaceCache struct {
	clientset kubernetes.Interface
	ttl       time.Duration

	mu      sync.Mutex
	entries map[string]*namespaceInfo
}

func NewNamespaceCache(clientset kubernetes.Interface, ttl time.Duration) *NamespaceCache {
	return &NamespaceCache{
		clientset: clientset,
		ttl:       ttl,
		entries:   map[string]*namespaceInfo{},
	}
}

func (c *NamespaceCache) get(ctx context.Context, name string) *namespaceInfo {
	c.mu.Lock()
	entry, ok := c.entries[name]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry
	}

	info := &namespaceInfo{fetchedAt: time.Now(), annotations: map[string]string{}}
	ns, err := c.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		info.enabled = ns.Annotations[EnabledMarker] == "true"
		for k, v := range ns.Annotations {
			if strings.HasPrefix(k, AnnotationPrefix) {
				info.annotations[k] = v
			}
		}
	} else if ok {
		// Serve the stale entry rather than nothing.
		return entry
	}

	c.mu.Lock()
	c.entries[name] = info
	c.mu.Unlock()
	return info
}

// Enabled reports whether the namespace carries the opt-in marker.
func (c *NamespaceCache) Enabled(ctx context.Context, name string) bool {
	return c.get(ctx, name).enabled
}

// Annotations returns the namespace's rollout-sentinel annotations.
func (c *NamespaceCache) Annotations(ctx context.Context, name string) map[string]string {
	src := c.get(ctx, name).annotations
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Tracked decides whether a deployment is monitored under the
// configured opt-in policy. Watch-all overrides namespace opt-in,
// which overrides the per-deployment label.
func Tracked(ctx context.Context, cfg *config.Config, cache *NamespaceCache, deploy *appsv1.Deployment) bool {
	switch cfg.OptIn {
	case config.OptInAll:
		return true
	case config.OptInNamespace:
		return cache.Enabled(ctx, deploy.Namespace)
	default:
		return deploy.Labels[EnabledMarker] == "true"
	}
}
