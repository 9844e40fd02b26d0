package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/opscart/k8s-rollout-sentinel/pkg/config"
	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
	"github.com/opscart/k8s-rollout-sentinel/pkg/toolgw"
)

// finalizeTool is the pseudo-tool the model calls to end an
// investigation with a structured diagnosis.
const finalizeTool = "finalize_diagnosis"

// Message is one transcript entry. The loop owns the transcript and
// hands it whole to the inference backend on every iteration.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolRequest
}

// ToolRequest is one tool invocation requested by the backend.
type ToolRequest struct {
	ID        string
	Name      string
	Arguments string
}

// Candidate is the diagnosis payload produced by a finalize call,
// before schema validation.
type Candidate struct {
	Summary          string   `json:"summary"`
	LikelyCause      string   `json:"likely_cause"`
	RecommendedSteps []string `json:"recommended_steps"`
	Severity         string   `json:"severity"`
}

// Decision is one backend step: exactly one of ToolCall or Finalize is
// set. A decision with neither is a protocol error the loop records.
type Decision struct {
	ToolCall *ToolRequest
	Finalize *ToolRequest
}

// Inference decides the next investigation step from the transcript.
// Implementations must be safe for sequential reuse across
// investigations; the OpenAI backend and the deterministic mock are
// interchangeable behind this interface.
type Inference interface {
	Next(ctx context.Context, transcript []Message) (*Decision, error)
	Model() string
}

// validateCandidate enforces the diagnosis schema: non-empty summary
// and likely cause, a known severity level. Steps may be empty.
func validateCandidate(c *Candidate) error {
	var problems []string
	if strings.TrimSpace(c.Summary) == "" {
		problems = append(problems, "summary must be a non-empty string")
	}
	if strings.TrimSpace(c.LikelyCause) == "" {
		problems = append(problems, "likely_cause must be a non-empty string")
	}
	if !models.ValidSeverity(models.Severity(c.Severity)) {
		problems = append(problems, fmt.Sprintf("severity %q must be one of low, medium, high, critical", c.Severity))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid diagnosis: %s", strings.Join(problems, "; "))
	}
	return nil
}

// openAIInference drives a chat-completion model with the tool catalog
// attached. One Next call is one completion request.
type openAIInference struct {
	client *openai.Client
	model  string
}

// NewOpenAIInference builds the real backend from configuration.
func NewOpenAIInference(cfg *config.Config) Inference {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	return &openAIInference{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.ModelName,
	}
}

func (o *openAIInference) Model() string { return o.model }

func (o *openAIInference) Next(ctx context.Context, transcript []Message) (*Decision, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(transcript),
		Tools:    openAITools(),
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		// A bare text reply is treated as a protocol error upstream.
		return &Decision{}, nil
	}
	call := msg.ToolCalls[0]
	req2 := &ToolRequest{
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: call.Function.Arguments,
	}
	if call.Function.Name == finalizeTool {
		return &Decision{Finalize: req2}, nil
	}
	return &Decision{ToolCall: req2}, nil
}

func toOpenAIMessages(transcript []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(transcript))
	for _, m := range transcript {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// openAITools renders the gateway catalog plus the finalize tool in
// the chat-completion function format.
func openAITools() []openai.Tool {
	defs := toolgw.Definitions()
	tools := make([]openai.Tool, 0, len(defs)+1)
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	tools = append(tools, openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        finalizeTool,
			Description: "Finish the investigation with a structured diagnosis. Call this once you can name the likely cause.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"summary": map[string]interface{}{
						"type": "string", "description": "One-paragraph summary of what is broken.",
					},
					"likely_cause": map[string]interface{}{
						"type": "string", "description": "The most likely root cause, named concretely.",
					},
					"recommended_steps": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Ordered remediation steps.",
					},
					"severity": map[string]interface{}{
						"type": "string",
						"enum": []string{"low", "medium", "high", "critical"},
					},
				},
				"required": []string{"summary", "likely_cause", "severity"},
			},
		},
	})
	return tools
}

func decodeCandidate(arguments string) (*Candidate, error) {
	var c Candidate
	if err := json.Unmarshal([]byte(arguments), &c); err != nil {
		return nil, fmt.Errorf("decoding diagnosis payload: %w", err)
	}
	return &c, nil
}
