package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/k8s-rollout-sentinel/pkg/agent"
	"github.com/opscart/k8s-rollout-sentinel/pkg/analyzer"
	"github.com/opscart/k8s-rollout-sentinel/pkg/collector"
	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/storage"
	"github.com/opscart/k8s-rollout-sentinel/pkg/telemetry"
	"github.com/opscart/k8s-rollout-sentinel/pkg/toolgw"
	"github.com/opscart/k8s-rollout-sentinel/pkg/watcher"
)

var (
	cfg *config.Config

	// Flags
	kubeconfig   string
	outputFormat string
	historyLimit int
	workerName   string
)

func main() {
	cfg = config.NewConfig()
	setupLogging()

	rootCmd := &cobra.Command{
		Use:   "rollout-sentinel",
		Short: "Rollout failure detection and automated investigation",
		Long: `rollout-sentinel watches Kubernetes deployment rollouts, detects
failures early, investigates them with read-only cluster tools, and
records structured diagnoses with a triage routing decision.`,
	}
	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (defaults to in-cluster, then ~/.kube/config)")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the reconciliation engine (single instance per cluster)",
		Run:   runWatch,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run analysis workers that claim and investigate failures",
		Run:   runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&workerName, "worker-name", "", "Worker identity for claims (defaults to hostname-pid)")

	investigateCmd := &cobra.Command{
		Use:   "investigate <namespace> <deployment>",
		Short: "Investigate one deployment on demand, bypassing the claim queue",
		Args:  cobra.ExactArgs(2),
		Run:   runInvestigate,
	}
	investigateCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json")

	historyCmd := &cobra.Command{
		Use:   "history <namespace>",
		Short: "Show recent rollouts and their diagnoses for a namespace",
		Args:  cobra.ExactArgs(1),
		Run:   runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of rollouts to show")

	rootCmd.AddCommand(watchCmd, analyzeCmd, investigateCmd, historyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func buildClients() (kubernetes.Interface, metricsv.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		path := kubeconfig
		if path == "" {
			if home := homedir.HomeDir(); home != "" {
				path = filepath.Join(home, ".kube", "config")
			}
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	metricsClient, err := metricsv.NewForConfig(restCfg)
	if err != nil {
		logrus.WithError(err).Warn("metrics client unavailable, top-pods tool disabled")
		metricsClient = nil
	}
	return clientset, metricsClient, nil
}

func buildPromAPI() promv1.API {
	if cfg.PrometheusURL == "" {
		return nil
	}
	client, err := promapi.NewClient(promapi.Config{Address: cfg.PrometheusURL})
	if err != nil {
		logrus.WithError(err).Warn("prometheus client unavailable, metrics-query tool disabled")
		return nil
	}
	return promv1.NewAPI(client)
}

func openStore() storage.Store {
	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize storage: %v\n", err)
		os.Exit(1)
	}
	return store
}

func buildInference() agent.Inference {
	if cfg.MockInference {
		logrus.Info("using deterministic mock inference backend")
		return agent.NewMockInference()
	}
	return agent.NewOpenAIInference(cfg)
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logrus.Info("shutdown signal received")
		cancel()
	}()
	return ctx
}

func runWatch(cmd *cobra.Command, args []string) {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	clientset, _, err := buildClients()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	store := openStore()
	defer store.Close()

	if err := telemetry.Register(prometheus.DefaultRegisterer); err != nil {
		logrus.WithError(err).Warn("metrics registration failed")
	}
	go func() {
		if err := telemetry.Serve(cfg.MetricsListenAddr); err != nil {
			logrus.WithError(err).Warn("metrics endpoint failed")
		}
	}()

	w := watcher.New(clientset, store, cfg)
	logrus.WithFields(logrus.Fields{
		"cluster": cfg.ClusterName,
		"opt_in":  cfg.OptIn,
	}).Info("reconciliation engine starting")
	if err := w.Run(signalContext()); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAnalyze(cmd *cobra.Command, args []string) {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	clientset, metricsClient, err := buildClients()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	store := openStore()
	defer store.Close()

	if err := telemetry.Register(prometheus.DefaultRegisterer); err != nil {
		logrus.WithError(err).Warn("metrics registration failed")
	}
	go func() {
		if err := telemetry.Serve(cfg.MetricsListenAddr); err != nil {
			logrus.WithError(err).Warn("metrics endpoint failed")
		}
	}()

	gateway := toolgw.New(clientset, metricsClient, buildPromAPI())
	source := collector.New(clientset, cfg)
	reducer := collector.NewReducer(cfg)
	investigator := agent.NewInvestigator(buildInference(), gateway, cfg)

	base := workerName
	if base == "" {
		host, _ := os.Hostname()
		base = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx := signalContext()
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		name := base
		if cfg.WorkerCount > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		worker := analyzer.NewWorker(store, source, reducer, investigator, cfg, name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}
	logrus.WithField("workers", cfg.WorkerCount).Info("analysis workers started")
	wg.Wait()
}

func runInvestigate(cmd *cobra.Command, args []string) {
	namespace, deployment := args[0], args[1]

	clientset, metricsClient, err := buildClients()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	gateway := toolgw.New(clientset, metricsClient, buildPromAPI())
	source := collector.New(clientset, cfg)
	reducer := collector.NewReducer(cfg)
	investigator := agent.NewInvestigator(buildInference(), gateway, cfg)
	worker := analyzer.NewWorker(nil, source, reducer, investigator, cfg, "on-demand")

	diag, err := worker.InvestigateNow(signalContext(), namespace, deployment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: investigation failed: %v\n", err)
		os.Exit(1)
	}

	if outputFormat == "json" {
		data, err := json.MarshalIndent(diag, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}
	printDiagnosis(diag)
}

func printDiagnosis(diag *models.Diagnosis) {
	fmt.Printf("Severity:     %s\n", diag.Severity)
	fmt.Printf("Triage:       %s (%s)\n", diag.TriageTeam, diag.TriageReason)
	fmt.Printf("Summary:      %s\n", diag.Summary)
	fmt.Printf("Likely cause: %s\n", diag.LikelyCause)
	if len(diag.RecommendedSteps) > 0 {
		fmt.Println("Recommended steps:")
		for i, step := range diag.RecommendedSteps {
			fmt.Printf("  %d. %s\n", i+1, step)
		}
	}
	fmt.Printf("Model:        %s (%s)\n", diag.ModelName, diag.PromptVersion)
}

func runHistory(cmd *cobra.Command, args []string) {
	namespace := args[0]
	store := openStore()
	defer store.Close()

	ctx := context.Background()
	rollouts, err := store.ListRecentRollouts(ctx, cfg.ClusterName, historyLimit*5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	shown := 0
	for _, r := range rollouts {
		if r.Namespace != namespace || shown >= historyLimit {
			continue
		}
		shown++
		line := fmt.Sprintf("%s  %s gen=%d  %s  analysis=%s",
			r.StartedAt.Format("2006-01-02 15:04"), r.Deployment, r.Generation, r.Status, r.AnalysisStatus)
		fmt.Println(line)
		if r.DiagnosisID == "" {
			continue
		}
		diag, err := store.GetDiagnosis(ctx, r.DiagnosisID)
		if err != nil {
			continue
		}
		fmt.Printf("    [%s -> %s] %s\n", diag.Severity, diag.TriageTeam, diag.LikelyCause)
	}
	if shown == 0 {
		fmt.Printf("No rollouts recorded for namespace %s\n", namespace)
	}
}
