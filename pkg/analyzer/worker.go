package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/storage"
	"github.com/opscart/k8s-rollout-sentinel/pkg/telemetry"
	"github.com/opscart/k8s-rollout-sentinel/pkg/triage"
)

const claimBatchSize = 10

// ContextSource gathers raw evidence for a target. Satisfied by
// *collector.Collector.
type ContextSource interface {
	CollectRollout(ctx context.Context, rollout *models.Rollout) (*models.RawContext, error)
	CollectIncident(ctx context.Context, incident *models.NamespaceIncident) (*models.RawContext, error)
}

// Reducer compresses raw evidence. Satisfied by *collector.Reducer.
type Reducer interface {
	Reduce(raw *models.RawContext, phase string) *models.ReducedContext
}

// Investigator turns reduced evidence into a diagnosis. Satisfied by
// *agent.Investigator.
type Investigator interface {
	Investigate(ctx context.Context, reduced *models.ReducedContext) (*models.Diagnosis, error)
}

// Worker polls for claimable failures and runs investigations. Any
// number of workers may run concurrently; exclusivity comes from the
// store's atomic claim, not from in-process locking.
type Worker struct {
	store        storage.Store
	source       ContextSource
	reducer      Reducer
	investigator Investigator
	cfg          *config.Config
	name         string
	log          *logrus.Entry
}

func NewWorker(store storage.Store, source ContextSource, reducer Reducer, investigator Investigator, cfg *config.Config, name string) *Worker {
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Worker{
		store:        store,
		source:       source,
		reducer:      reducer,
		investigator: investigator,
		cfg:          cfg,
		name:         name,
		log:          logrus.WithFields(logrus.Fields{"component": "analyzer", "worker": name}),
	}
}

// Run polls on a fixed interval until the context is canceled. No
// per-record failure terminates the worker; every failure lands in the
// record's analysis_status instead.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.log.Info("analysis worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("analysis worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes one poll tick: every claimable rollout, then every
// claimable incident that has reached its minimum batch size.
func (w *Worker) RunOnce(ctx context.Context) {
	rollouts, err := w.store.ListClaimableRollouts(ctx, w.cfg.ClusterName, claimBatchSize)
	if err != nil {
		w.log.WithError(err).Warn("listing claimable rollouts failed")
	}
	for _, rollout := range rollouts {
		w.processRollout(ctx, rollout)
	}

	incidents, err := w.store.ListClaimableIncidents(ctx, w.cfg.ClusterName, w.cfg.IncidentMinBatchCount, claimBatchSize)
	if err != nil {
		w.log.WithError(err).Warn("listing claimable incidents failed")
	}
	for _, incident := range incidents {
		w.processIncident(ctx, incident)
	}
}

func (w *Worker) processRollout(ctx context.Context, rollout *models.Rollout) {
	log := w.log.WithFields(logrus.Fields{
		"rollout":    rollout.ID,
		"deployment": rollout.Namespace + "/" + rollout.Deployment,
		"generation": rollout.Generation,
	})

	if err := w.store.ClaimRollout(ctx, rollout.ID, w.name); err != nil {
		if errors.Is(err, storage.ErrClaimConflict) {
			telemetry.ObserveClaimConflict()
			return
		}
		log.WithError(err).Warn("claim failed")
		return
	}

	if !w.acquireBudget(ctx, rollout.Namespace, log) {
		if err := w.store.ReleaseRollout(ctx, rollout.ID, models.AnalysisRateLimited); err != nil {
			log.WithError(err).Warn("releasing rate-limited rollout failed")
		}
		return
	}

	diag, err := w.investigate(ctx, rollout.ID, string(rollout.Status), func(ctx context.Context) (*models.RawContext, error) {
		return w.source.CollectRollout(ctx, rollout)
	})
	if err != nil {
		log.WithError(err).Warn("investigation failed")
		if err := w.store.FinishRolloutAnalysis(ctx, rollout.ID, models.AnalysisFailed, ""); err != nil {
			log.WithError(err).Warn("recording failed analysis failed")
		}
		return
	}
	if err := w.store.FinishRolloutAnalysis(ctx, rollout.ID, models.AnalysisDone, diag.ID); err != nil {
		log.WithError(err).Warn("recording finished analysis failed")
		return
	}
	log.WithFields(logrus.Fields{
		"diagnosis": diag.ID,
		"severity":  diag.Severity,
		"team":      diag.TriageTeam,
	}).Info("rollout diagnosed")
}

func (w *Worker) processIncident(ctx context.Context, incident *models.NamespaceIncident) {
	log := w.log.WithFields(logrus.Fields{
		"incident":  incident.ID,
		"namespace": incident.Namespace,
		"type":      incident.Type,
	})

	if err := w.store.ClaimIncident(ctx, incident.ID, w.name); err != nil {
		if errors.Is(err, storage.ErrClaimConflict) {
			telemetry.ObserveClaimConflict()
			return
		}
		log.WithError(err).Warn("claim failed")
		return
	}

	if !w.acquireBudget(ctx, incident.Namespace, log) {
		if err := w.store.ReleaseIncident(ctx, incident.ID, models.AnalysisRateLimited); err != nil {
			log.WithError(err).Warn("releasing rate-limited incident failed")
		}
		return
	}

	diag, err := w.investigate(ctx, incident.ID, string(incident.Type), func(ctx context.Context) (*models.RawContext, error) {
		return w.source.CollectIncident(ctx, incident)
	})
	if err != nil {
		log.WithError(err).Warn("investigation failed")
		if err := w.store.FinishIncidentAnalysis(ctx, incident.ID, models.AnalysisFailed, ""); err != nil {
			log.WithError(err).Warn("recording failed analysis failed")
		}
		return
	}
	if err := w.store.FinishIncidentAnalysis(ctx, incident.ID, models.AnalysisDone, diag.ID); err != nil {
		log.WithError(err).Warn("recording finished analysis failed")
		return
	}
	log.WithFields(logrus.Fields{
		"diagnosis": diag.ID,
		"severity":  diag.Severity,
		"team":      diag.TriageTeam,
	}).Info("incident diagnosed")
}

func (w *Worker) acquireBudget(ctx context.Context, namespace string, log *logrus.Entry) bool {
	err := w.store.TryAcquireBudget(ctx, w.cfg.ClusterName, namespace,
		w.cfg.MaxPerNamespacePerHour, w.cfg.MaxPerClusterPerHour, time.Now().UTC())
	if err == nil {
		return true
	}
	if errors.Is(err, storage.ErrRateLimited) {
		telemetry.ObserveRateLimited()
		log.Info("investigation rate limited, will retry after the window rolls")
		return false
	}
	log.WithError(err).Warn("budget check failed")
	return false
}

// investigate runs collect, reduce, diagnose, triage and persists the
// diagnosis for one claimed record.
func (w *Worker) investigate(ctx context.Context, ownerID, phase string, collect func(context.Context) (*models.RawContext, error)) (*models.Diagnosis, error) {
	raw, err := collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting evidence: %w", err)
	}
	reduced := w.reducer.Reduce(raw, phase)

	diag, err := w.investigator.Investigate(ctx, reduced)
	if err != nil {
		return nil, err
	}
	diag.OwnerID = ownerID

	result := triage.Classify(diag)
	diag.TriageTeam = string(result.Team)
	diag.TriageReason = result.Reason

	if err := w.store.SaveDiagnosis(ctx, diag); err != nil {
		return nil, fmt.Errorf("saving diagnosis: %w", err)
	}
	return diag, nil
}

// InvestigateNow runs the collect-reduce-diagnose path synchronously
// for one deployment, bypassing the poll/claim loop. Used by the
// on-demand entry point; the result is returned, not persisted against
// a rollout record.
func (w *Worker) InvestigateNow(ctx context.Context, namespace, deployment string) (*models.Diagnosis, error) {
	target := &models.Rollout{
		Cluster:    w.cfg.ClusterName,
		Namespace:  namespace,
		Deployment: deployment,
		Status:     models.RolloutRollingOut,
	}
	raw, err := w.source.CollectRollout(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("collecting evidence: %w", err)
	}
	reduced := w.reducer.Reduce(raw, "ON_DEMAND")

	diag, err := w.investigator.Investigate(ctx, reduced)
	if err != nil {
		return nil, err
	}
	result := triage.Classify(diag)
	diag.TriageTeam = string(result.Team)
	diag.TriageReason = result.Reason
	return diag, nil
}
