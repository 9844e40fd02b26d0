package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/telemetry"
	"github.com/opscart/k8s-rollout-sentinel/pkg/toolgw"
)

// promptVersion is stored on every Diagnosis so results can be traced
// back to the prompt that produced them.
const promptVersion = "rollout-sentinel/1"

// maxToolResultLen caps how much of one tool result enters the
// transcript.
const maxToolResultLen = 8192

const systemPrompt = `You are investigating a failed Kubernetes rollout or namespace incident.
You are given a reduced evidence bundle and read-only cluster tools.
Call tools to gather additional evidence. Never guess: name causes you
can support with gathered evidence. When you can name the likely cause,
call finalize_diagnosis exactly once with your conclusion. Secret
values are never available; only existence checks are.`

// ToolExecutor runs one gateway call. Satisfied by *toolgw.Gateway.
type ToolExecutor interface {
	Execute(ctx context.Context, call toolgw.Call) (string, error)
}

// Investigator runs the bounded tool-calling loop that turns a reduced
// evidence bundle into a Diagnosis. One investigation is strictly
// sequential; callers run investigations in parallel across workers.
type Investigator struct {
	inference Inference
	tools     ToolExecutor
	cfg       *config.Config
	log       *logrus.Entry
}

func NewInvestigator(inference Inference, tools ToolExecutor, cfg *config.Config) *Investigator {
	return &Investigator{
		inference: inference,
		tools:     tools,
		cfg:       cfg,
		log:       logrus.WithField("component", "agent"),
	}
}

// Investigate runs the loop for one target. It terminates with a valid
// Diagnosis, or an error when the iteration budget, the tool-error
// budget, or the inference retry budget is exhausted.
func (inv *Investigator) Investigate(ctx context.Context, reduced *models.ReducedContext) (*models.Diagnosis, error) {
	evidence, err := json.Marshal(reduced)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence bundle: %w", err)
	}

	transcript := []Message{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
			"Investigate this %s in %s/%s.\n\nEvidence bundle:\n%s",
			reduced.Phase, reduced.Namespace, reduced.Deployment, evidence)},
	}

	toolErrors := 0
	correctionUsed := false
	log := inv.log.WithFields(logrus.Fields{
		"namespace":  reduced.Namespace,
		"deployment": reduced.Deployment,
	})

	for iteration := 1; iteration <= inv.cfg.AgentMaxIterations; iteration++ {
		decision, err := inv.nextWithRetry(ctx, transcript)
		if err != nil {
			telemetry.ObserveInvestigation("error", iteration)
			return nil, fmt.Errorf("inference failed on iteration %d: %w", iteration, err)
		}

		switch {
		case decision.Finalize != nil:
			transcript = append(transcript, assistantCall(*decision.Finalize))
			candidate, err := decodeCandidate(decision.Finalize.Arguments)
			if err == nil {
				err = validateCandidate(candidate)
			}
			if err != nil {
				if correctionUsed {
					telemetry.ObserveInvestigation("error", iteration)
					return nil, fmt.Errorf("diagnosis rejected twice: %w", err)
				}
				correctionUsed = true
				log.WithError(err).Warn("diagnosis failed validation, allowing one correction")
				transcript = append(transcript, Message{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: decision.Finalize.ID,
					Content:    fmt.Sprintf("Rejected: %v. Call finalize_diagnosis again with a schema-valid payload.", err),
				})
				continue
			}
			telemetry.ObserveInvestigation("success", iteration)
			log.WithField("iterations", iteration).Info("investigation finalized")
			return inv.buildDiagnosis(candidate, evidence), nil

		case decision.ToolCall != nil:
			transcript = append(transcript, assistantCall(*decision.ToolCall))
			result, err := inv.runTool(ctx, *decision.ToolCall)
			if err != nil {
				toolErrors++
				log.WithError(err).WithField("tool", decision.ToolCall.Name).Warn("tool call failed")
				if toolErrors > inv.cfg.AgentMaxToolErrors {
					telemetry.ObserveInvestigation("error", iteration)
					return nil, fmt.Errorf("tool error budget exhausted after %d failures: %w", toolErrors, err)
				}
				result = fmt.Sprintf("tool error: %v", err)
			}
			transcript = append(transcript, Message{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: decision.ToolCall.ID,
				Content:    truncate(result, maxToolResultLen),
			})

		default:
			toolErrors++
			if toolErrors > inv.cfg.AgentMaxToolErrors {
				telemetry.ObserveInvestigation("error", iteration)
				return nil, fmt.Errorf("backend produced no tool call or finalize %d times", toolErrors)
			}
			transcript = append(transcript, Message{
				Role:    openai.ChatMessageRoleUser,
				Content: "Respond with exactly one tool call, or finalize_diagnosis.",
			})
		}
	}

	telemetry.ObserveInvestigation("error", inv.cfg.AgentMaxIterations)
	return nil, fmt.Errorf("iteration budget of %d exhausted without a diagnosis", inv.cfg.AgentMaxIterations)
}

// nextWithRetry wraps one inference step with a per-call timeout and
// bounded exponential backoff.
func (inv *Investigator) nextWithRetry(ctx context.Context, transcript []Message) (*Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= inv.cfg.InferenceMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, inv.cfg.InferenceTimeout)
		decision, err := inv.inference.Next(callCtx, transcript)
		cancel()
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("after %d retries: %w", inv.cfg.InferenceMaxRetries, lastErr)
}

func (inv *Investigator) runTool(ctx context.Context, req ToolRequest) (string, error) {
	var call toolgw.Call
	if req.Arguments != "" {
		if err := json.Unmarshal([]byte(req.Arguments), &call); err != nil {
			return "", fmt.Errorf("decoding arguments for %s: %w", req.Name, err)
		}
	}
	call.Tool = toolgw.Tool(req.Name)

	callCtx, cancel := context.WithTimeout(ctx, inv.cfg.ToolTimeout)
	defer cancel()
	return inv.tools.Execute(callCtx, call)
}

func (inv *Investigator) buildDiagnosis(candidate *Candidate, evidence []byte) *models.Diagnosis {
	return &models.Diagnosis{
		ID:               uuid.New().String(),
		Summary:          candidate.Summary,
		LikelyCause:      candidate.LikelyCause,
		RecommendedSteps: candidate.RecommendedSteps,
		Severity:         models.Severity(candidate.Severity),
		ReducedContext:   evidence,
		ModelName:        inv.inference.Model(),
		PromptVersion:    promptVersion,
		CreatedAt:        time.Now().UTC(),
	}
}

func assistantCall(req ToolRequest) Message {
	return Message{
		Role:      openai.ChatMessageRoleAssistant,
		ToolCalls: []ToolRequest{req},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
