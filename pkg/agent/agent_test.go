package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/toolgw"
)

type scriptedStep struct {
	decision *Decision
	err      error
}

// scriptedInference replays a fixed sequence of decisions; the last
// step repeats if the loop asks for more.
type scriptedInference struct {
	steps []scriptedStep
	calls int
}

func (s *scriptedInference) Model() string { return "scripted" }

func (s *scriptedInference) Next(_ context.Context, _ []Message) (*Decision, error) {
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[idx]
	return step.decision, step.err
}

type fakeExecutor struct {
	results map[string]string
	err     error
	calls   []toolgw.Call
}

func (f *fakeExecutor) Execute(_ context.Context, call toolgw.Call) (string, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return "", f.err
	}
	if out, ok := f.results[string(call.Tool)]; ok {
		return out, nil
	}
	return "ok", nil
}

func testAgentConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.AgentMaxIterations = 6
	cfg.AgentMaxToolErrors = 2
	cfg.InferenceMaxRetries = 1
	cfg.InferenceTimeout = 5 * time.Second
	cfg.ToolTimeout = 5 * time.Second
	return cfg
}

func testReduced() *models.ReducedContext {
	return &models.ReducedContext{
		Cluster:     "prod-east",
		Namespace:   "payments",
		Deployment:  "api",
		Generation:  7,
		Phase:       "FAILED",
		Summary:     "1/3 replicas ready; 2 pods CrashLoopBackOff",
		FailingPods: []string{"api-7f9b-x1 (CrashLoopBackOff, restarts=6)"},
		Events: []models.EventSummary{
			{Reason: "BackOff", Message: "Back-off restarting failed container", Count: 12, LastTimestamp: "2026-08-29T10:04:00Z"},
		},
	}
}

func toolCall(tool toolgw.Tool, args string) *Decision {
	return &Decision{ToolCall: &ToolRequest{ID: "t1", Name: string(tool), Arguments: args}}
}

func finalize(args string) *Decision {
	return &Decision{Finalize: &ToolRequest{ID: "f1", Name: finalizeTool, Arguments: args}}
}

const validPayload = `{"summary":"Pods crash on startup","likely_cause":"Missing configmap app-config","recommended_steps":["Recreate the configmap"],"severity":"high"}`

func TestInvestigateFinalizesWithValidDiagnosis(t *testing.T) {
	inference := &scriptedInference{steps: []scriptedStep{
		{decision: toolCall(toolgw.ToolListPods, `{"namespace":"payments"}`)},
		{decision: finalize(validPayload)},
	}}
	executor := &fakeExecutor{results: map[string]string{
		"list_pods": "api-7f9b-x1 phase=Running restarts=6 waiting=CrashLoopBackOff",
	}}

	inv := NewInvestigator(inference, executor, testAgentConfig())
	diag, err := inv.Investigate(context.Background(), testReduced())
	if err != nil {
		t.Fatalf("Investigate failed: %v", err)
	}
	if diag.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high", diag.Severity)
	}
	if diag.ModelName != "scripted" || diag.PromptVersion == "" {
		t.Errorf("provenance missing: model=%q prompt=%q", diag.ModelName, diag.PromptVersion)
	}
	if len(diag.ReducedContext) == 0 {
		t.Error("diagnosis should snapshot the evidence bundle")
	}
	if len(executor.calls) != 1 || executor.calls[0].Tool != toolgw.ToolListPods {
		t.Errorf("expected one list_pods call, got %+v", executor.calls)
	}
}

func TestInvestigateAllowsOneCorrectiveRetry(t *testing.T) {
	inference := &scriptedInference{steps: []scriptedStep{
		{decision: finalize(`{"summary":"","likely_cause":"x","severity":"high"}`)},
		{decision: finalize(validPayload)},
	}}

	inv := NewInvestigator(inference, &fakeExecutor{}, testAgentConfig())
	diag, err := inv.Investigate(context.Background(), testReduced())
	if err != nil {
		t.Fatalf("Investigate failed after corrective retry: %v", err)
	}
	if diag.Summary != "Pods crash on startup" {
		t.Errorf("unexpected summary %q", diag.Summary)
	}
}

func TestInvestigateRejectsTwiceInvalidDiagnosis(t *testing.T) {
	bad := finalize(`{"summary":"","likely_cause":"","severity":"urgent"}`)
	inference := &scriptedInference{steps: []scriptedStep{
		{decision: bad},
		{decision: bad},
	}}

	inv := NewInvestigator(inference, &fakeExecutor{}, testAgentConfig())
	if _, err := inv.Investigate(context.Background(), testReduced()); err == nil {
		t.Fatal("expected error after second invalid diagnosis")
	}
}

func TestInvestigateToolErrorBudget(t *testing.T) {
	inference := &scriptedInference{steps: []scriptedStep{
		{decision: toolCall(toolgw.ToolListPods, `{"namespace":"payments"}`)},
	}}
	executor := &fakeExecutor{err: errors.New("connection refused")}

	inv := NewInvestigator(inference, executor, testAgentConfig())
	_, err := inv.Investigate(context.Background(), testReduced())
	if err == nil {
		t.Fatal("expected error once tool error budget is exhausted")
	}
	if !strings.Contains(err.Error(), "budget") {
		t.Errorf("error should mention the exhausted budget: %v", err)
	}
	if len(executor.calls) != 3 {
		t.Errorf("expected budget+1 tool attempts, got %d", len(executor.calls))
	}
}

func TestInvestigateIterationBudget(t *testing.T) {
	inference := &scriptedInference{steps: []scriptedStep{
		{decision: toolCall(toolgw.ToolListPods, `{"namespace":"payments"}`)},
	}}

	cfg := testAgentConfig()
	cfg.AgentMaxIterations = 3
	cfg.AgentMaxToolErrors = 10
	inv := NewInvestigator(inference, &fakeExecutor{}, cfg)
	_, err := inv.Investigate(context.Background(), testReduced())
	if err == nil {
		t.Fatal("expected error when iteration budget is exhausted")
	}
	if inference.calls != 3 {
		t.Errorf("expected exactly 3 iterations, got %d", inference.calls)
	}
}

func TestInvestigateRetriesInference(t *testing.T) {
	inference := &scriptedInference{steps: []scriptedStep{
		{err: fmt.Errorf("upstream timeout")},
		{decision: finalize(validPayload)},
	}}

	inv := NewInvestigator(inference, &fakeExecutor{}, testAgentConfig())
	if _, err := inv.Investigate(context.Background(), testReduced()); err != nil {
		t.Fatalf("Investigate should survive one transient inference failure: %v", err)
	}
}

func TestMockInferenceIsInterchangeable(t *testing.T) {
	executor := &fakeExecutor{results: map[string]string{
		"list_pods":        "api-7f9b-x1 phase=Running restarts=6 waiting=CrashLoopBackOff",
		"namespace_events": "[Warning] BackOff Pod/api-7f9b-x1: Back-off restarting failed container (x12)",
		"pod_logs":         "ERROR failed to load config key db_host",
	}}

	inv := NewInvestigator(NewMockInference(), executor, testAgentConfig())
	diag, err := inv.Investigate(context.Background(), testReduced())
	if err != nil {
		t.Fatalf("mock investigation failed: %v", err)
	}
	if diag.ModelName != "mock" {
		t.Errorf("model name = %q, want mock", diag.ModelName)
	}
	if !strings.Contains(diag.LikelyCause, "BackOff") {
		t.Errorf("mock diagnosis should derive from the top event, got %q", diag.LikelyCause)
	}
	if len(executor.calls) != 3 {
		t.Errorf("mock should walk list_pods, events, logs before finalizing: %+v", executor.calls)
	}
}

func TestMockInferenceIsDeterministic(t *testing.T) {
	run := func() string {
		executor := &fakeExecutor{}
		inv := NewInvestigator(NewMockInference(), executor, testAgentConfig())
		diag, err := inv.Investigate(context.Background(), testReduced())
		if err != nil {
			t.Fatalf("mock investigation failed: %v", err)
		}
		return diag.Summary + "|" + diag.LikelyCause + "|" + string(diag.Severity)
	}

	first := run()
	for i := 0; i < 5; i++ {
		if got := run(); got != first {
			t.Fatalf("mock output varies across runs: %q vs %q", first, got)
		}
	}
}
