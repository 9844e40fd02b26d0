package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/opscart/k8s-rollout-sentinel/pkg/collector"
	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/storage"
	"github.com/opscart/k8s-rollout-sentinel/pkg/telemetry"
)

const namespaceCacheTTL = 60 * time.Second

// Watcher is the reconciliation engine: it consumes the deployment
// watch stream, re-checks open rollouts on a timer, and runs the
// periodic namespace incident scan. Exactly one instance should run
// per cluster; the watch stream's resume semantics make concurrent
// instances a source of duplicate records.
type Watcher struct {
	clientset kubernetes.Interface
	store     storage.Store
	cfg       *config.Config
	nsCache   *NamespaceCache
	log       *logrus.Entry
}

func New(clientset kubernetes.Interface, store storage.Store, cfg *config.Config) *Watcher {
	return &Watcher{
		clientset: clientset,
		store:     store,
		cfg:       cfg,
		nsCache:   NewNamespaceCache(clientset, namespaceCacheTTL),
		log:       logrus.WithField("component", "watcher"),
	}
}

// Run drives the watch stream plus the two timer ticks until the
// context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	reconcile := time.NewTicker(w.cfg.ReconcileInterval)
	defer reconcile.Stop()
	scan := time.NewTicker(w.cfg.NamespaceScanEvery)
	defer scan.Stop()

	go w.watchLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconcile.C:
			if err := w.reconcileOpenRollouts(ctx); err != nil {
				w.log.WithError(err).Warn("reconcile tick failed")
			}
		case <-scan.C:
			if err := w.ScanNamespaces(ctx); err != nil {
				w.log.WithError(err).Warn("namespace scan failed")
			}
		}
	}
}

// watchLoop maintains the deployment watch with resume-token
// reconnection. A stale token forces a full relist before watching
// again.
func (w *Watcher) watchLoop(ctx context.Context) {
	resourceVersion := ""
	backoff := time.Second

	for ctx.Err() == nil {
		if resourceVersion == "" {
			rv, err := w.resync(ctx)
			if err != nil {
				w.log.WithError(err).Warnf("full resync failed, retrying in %s", backoff)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			resourceVersion = rv
			backoff = time.Second
		}

		stream, err := w.clientset.AppsV1().Deployments(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		})
		if err != nil {
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				w.log.Info("resume token stale, forcing full resync")
				resourceVersion = ""
				continue
			}
			w.log.WithError(err).Warnf("watch connect failed, retrying in %s", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		rv, streamErr := w.consume(ctx, stream)
		if rv != "" {
			resourceVersion = rv
			backoff = time.Second
		}
		if streamErr != nil {
			if isStaleToken(streamErr) {
				resourceVersion = ""
				continue
			}
			w.log.WithError(streamErr).Warnf("watch stream dropped, retrying in %s", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// consume drains one watch stream, returning the last good resource
// version.
func (w *Watcher) consume(ctx context.Context, stream watch.Interface) (string, error) {
	defer stream.Stop()
	lastRV := ""
	for {
		select {
		case <-ctx.Done():
			return lastRV, ctx.Err()
		case event, ok := <-stream.ResultChan():
			if !ok {
				return lastRV, fmt.Errorf("watch channel closed")
			}
			switch event.Type {
			case watch.Error:
				return lastRV, apierrors.FromObject(event.Object)
			case watch.Bookmark:
				if deploy, ok := event.Object.(*appsv1.Deployment); ok {
					lastRV = deploy.ResourceVersion
				}
			case watch.Added, watch.Modified:
				deploy, ok := event.Object.(*appsv1.Deployment)
				if !ok {
					continue
				}
				lastRV = deploy.ResourceVersion
				if err := w.ReconcileDeployment(ctx, deploy); err != nil {
					w.log.WithError(err).WithField("deployment", deploy.Namespace+"/"+deploy.Name).
						Warn("reconcile failed for event")
				}
			case watch.Deleted:
				// A deleted deployment ends its open rollout; the
				// periodic tick will time it out if the delete event
				// is missed.
				deploy, ok := event.Object.(*appsv1.Deployment)
				if !ok {
					continue
				}
				lastRV = deploy.ResourceVersion
				w.failOpenRollout(ctx, deploy)
			}
		}
	}
}

// resync lists all deployments and reconciles them, returning the
// list resource version as the new resume token.
func (w *Watcher) resync(ctx context.Context) (string, error) {
	list, err := w.clientset.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing deployments: %w", err)
	}
	for i := range list.Items {
		if err := w.ReconcileDeployment(ctx, &list.Items[i]); err != nil {
			w.log.WithError(err).WithField("deployment", list.Items[i].Namespace+"/"+list.Items[i].Name).
				Warn("reconcile failed during resync")
		}
	}
	return list.ResourceVersion, nil
}

// ReconcileDeployment processes one observed deployment state: create
// the rollout record on first sight of a generation, then apply phase
// transitions. No-op when the phase is unchanged or the record is
// terminal.
func (w *Watcher) ReconcileDeployment(ctx context.Context, deploy *appsv1.Deployment) error {
	if !Tracked(ctx, w.cfg, w.nsCache, deploy) {
		return nil
	}

	now := time.Now().UTC()
	rollout, err := w.store.GetRolloutByKey(ctx, w.cfg.ClusterName, deploy.Namespace, deploy.Name, deploy.Generation)
	if errors.Is(err, storage.ErrNotFound) {
		rollout = w.newRollout(ctx, deploy, now)
		if err := w.store.CreateRollout(ctx, rollout); err != nil {
			return fmt.Errorf("creating rollout for %s/%s: %w", deploy.Namespace, deploy.Name, err)
		}
		telemetry.ObserveTransition(string(rollout.Status))
	} else if err != nil {
		return fmt.Errorf("looking up rollout for %s/%s: %w", deploy.Namespace, deploy.Name, err)
	}
	if rollout.Status.Terminal() {
		return nil
	}

	phase := EvaluatePhase(deploy, rollout.StartedAt, w.cfg.RolloutTimeout, now)
	if phase != models.RolloutSucceeded && phase != models.RolloutFailed {
		if sig, err := w.podSignals(ctx, deploy); err == nil && ShouldFailEarly(sig) {
			w.log.WithFields(logrus.Fields{
				"deployment": deploy.Namespace + "/" + deploy.Name,
				"crashloop":  sig.CrashLoopPods,
				"imagepull":  sig.ImagePullPods,
				"total":      sig.TotalPods,
			}).Info("early failure: majority of pods in hard failure state")
			phase = models.RolloutFailed
		}
	}

	if phase == rollout.Status {
		return nil
	}
	if err := w.store.UpdateRolloutStatus(ctx, rollout.ID, phase, now); err != nil {
		return fmt.Errorf("updating rollout %s to %s: %w", rollout.ID, phase, err)
	}
	telemetry.ObserveTransition(string(phase))
	w.log.WithFields(logrus.Fields{
		"deployment": deploy.Namespace + "/" + deploy.Name,
		"generation": deploy.Generation,
		"status":     phase,
	}).Info("rollout transition")
	return nil
}

func (w *Watcher) newRollout(ctx context.Context, deploy *appsv1.Deployment, now time.Time) *models.Rollout {
	annotations := w.nsCache.Annotations(ctx, deploy.Namespace)
	status := models.RolloutPending
	if deploy.Status.Replicas > 0 {
		status = models.RolloutRollingOut
	}
	return &models.Rollout{
		ID:             uuid.New().String(),
		Cluster:        w.cfg.ClusterName,
		Namespace:      deploy.Namespace,
		Deployment:     deploy.Name,
		Generation:     deploy.Generation,
		Status:         status,
		Origin:         models.OriginCluster,
		StartedAt:      now,
		Metadata:       annotations,
		Team:           annotations[TeamAnnotation],
		SlackChannel:   annotations[ChannelAnnotation],
		AnalysisStatus: models.AnalysisNone,
		NotifyStatus:   models.NotifyPending,
	}
}

func (w *Watcher) podSignals(ctx context.Context, deploy *appsv1.Deployment) (models.PodFailureSignals, error) {
	selector := labels.Everything().String()
	if deploy.Spec.Selector != nil {
		sel, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector)
		if err != nil {
			return models.PodFailureSignals{}, err
		}
		selector = sel.String()
	}
	pods, err := w.clientset.CoreV1().Pods(deploy.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return models.PodFailureSignals{}, fmt.Errorf("listing pods for %s/%s: %w", deploy.Namespace, deploy.Name, err)
	}
	return FailureSignals(collector.SummarizePods(pods.Items)), nil
}

// reconcileOpenRollouts re-evaluates every non-terminal rollout so
// timeouts fire even when no watch event arrives.
func (w *Watcher) reconcileOpenRollouts(ctx context.Context) error {
	active, err := w.store.ListActiveRollouts(ctx, w.cfg.ClusterName)
	if err != nil {
		return fmt.Errorf("listing active rollouts: %w", err)
	}
	now := time.Now().UTC()
	for _, rollout := range active {
		deploy, err := w.clientset.AppsV1().Deployments(rollout.Namespace).Get(ctx, rollout.Deployment, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			if err := w.store.UpdateRolloutStatus(ctx, rollout.ID, models.RolloutFailed, now); err == nil {
				telemetry.ObserveTransition(string(models.RolloutFailed))
			}
			continue
		}
		if err != nil {
			w.log.WithError(err).WithField("rollout", rollout.ID).Warn("fetch failed during reconcile")
			continue
		}
		if deploy.Generation != rollout.Generation {
			// A newer generation superseded this one; age it out via
			// the normal timeout path.
			if now.Sub(rollout.StartedAt) > w.cfg.RolloutTimeout {
				if err := w.store.UpdateRolloutStatus(ctx, rollout.ID, models.RolloutFailed, now); err == nil {
					telemetry.ObserveTransition(string(models.RolloutFailed))
				}
			}
			continue
		}
		if err := w.ReconcileDeployment(ctx, deploy); err != nil {
			w.log.WithError(err).WithField("rollout", rollout.ID).Warn("reconcile failed")
		}
	}
	return nil
}

func (w *Watcher) failOpenRollout(ctx context.Context, deploy *appsv1.Deployment) {
	rollout, err := w.store.GetRolloutByKey(ctx, w.cfg.ClusterName, deploy.Namespace, deploy.Name, deploy.Generation)
	if err != nil {
		return
	}
	if rollout.Status.Terminal() {
		return
	}
	if err := w.store.UpdateRolloutStatus(ctx, rollout.ID, models.RolloutFailed, time.Now().UTC()); err == nil {
		telemetry.ObserveTransition(string(models.RolloutFailed))
	}
}

func isStaleToken(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > time.Minute {
		next = time.Minute
	}
	return next
}
