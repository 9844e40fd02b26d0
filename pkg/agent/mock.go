package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/toolgw"
)

// mockInference is the offline backend: a fixed walk over the tool
// catalog followed by a finalize derived from the gathered evidence.
// Identical transcripts always produce identical decisions, so the
// whole investigation is reproducible without any external calls.
type mockInference struct{}

// NewMockInference builds the deterministic offline backend.
func NewMockInference() Inference {
	return &mockInference{}
}

func (m *mockInference) Model() string { return "mock" }

func (m *mockInference) Next(_ context.Context, transcript []Message) (*Decision, error) {
	reduced := extractEvidence(transcript)
	if reduced == nil {
		return nil, fmt.Errorf("transcript carries no evidence bundle")
	}

	step := 0
	for _, msg := range transcript {
		if msg.Role == openai.ChatMessageRoleAssistant && len(msg.ToolCalls) > 0 {
			step++
		}
	}

	switch step {
	case 0:
		return m.toolDecision(step, toolgw.ToolListPods, map[string]interface{}{
			"namespace": reduced.Namespace,
		})
	case 1:
		return m.toolDecision(step, toolgw.ToolEvents, map[string]interface{}{
			"namespace": reduced.Namespace,
		})
	case 2:
		if pod := firstFailingPod(reduced); pod != "" {
			return m.toolDecision(step, toolgw.ToolLogs, map[string]interface{}{
				"namespace": reduced.Namespace,
				"name":      pod,
				"previous":  true,
			})
		}
		fallthrough
	default:
		return m.finalizeDecision(step, reduced)
	}
}

func (m *mockInference) toolDecision(step int, tool toolgw.Tool, args map[string]interface{}) (*Decision, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &Decision{ToolCall: &ToolRequest{
		ID:        fmt.Sprintf("mock-%d", step),
		Name:      string(tool),
		Arguments: string(raw),
	}}, nil
}

func (m *mockInference) finalizeDecision(step int, reduced *models.ReducedContext) (*Decision, error) {
	candidate := Candidate{
		Summary: fmt.Sprintf("Rollout of %s/%s is not progressing: %s.",
			reduced.Namespace, reduced.Deployment, reduced.Summary),
		LikelyCause: "Unable to determine a specific cause from the gathered evidence.",
		Severity:    string(models.SeverityMedium),
		RecommendedSteps: []string{
			fmt.Sprintf("Inspect the failing pods in namespace %s manually.", reduced.Namespace),
			"Re-run the investigation once more evidence is available.",
		},
	}

	if len(reduced.Events) > 0 {
		top := reduced.Events[0]
		candidate.LikelyCause = fmt.Sprintf("%s: %s", top.Reason, top.Message)
		candidate.Severity = string(models.SeverityHigh)
		candidate.RecommendedSteps = []string{
			fmt.Sprintf("Address the repeated %s events (seen %d times).", top.Reason, top.Count),
			"Verify the new revision's configuration and image reference.",
			"Roll back the deployment if the fix cannot ship quickly.",
		}
	}

	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	return &Decision{Finalize: &ToolRequest{
		ID:        fmt.Sprintf("mock-%d", step),
		Name:      finalizeTool,
		Arguments: string(raw),
	}}, nil
}

func firstFailingPod(reduced *models.ReducedContext) string {
	if len(reduced.FailingPods) == 0 {
		return ""
	}
	// FailingPods entries look like "name (reason)".
	name := reduced.FailingPods[0]
	if idx := strings.IndexByte(name, ' '); idx > 0 {
		name = name[:idx]
	}
	return name
}

// extractEvidence recovers the evidence bundle the loop embeds in the
// opening user message.
func extractEvidence(transcript []Message) *models.ReducedContext {
	for _, msg := range transcript {
		if msg.Role != openai.ChatMessageRoleUser {
			continue
		}
		start := strings.Index(msg.Content, "{")
		end := strings.LastIndex(msg.Content, "}")
		if start < 0 || end <= start {
			continue
		}
		var reduced models.ReducedContext
		if err := json.Unmarshal([]byte(msg.Content[start:end+1]), &reduced); err == nil {
			return &reduced
		}
	}
	return nil
}
