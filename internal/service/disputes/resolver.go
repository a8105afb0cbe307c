package disputes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/clawmarket/internal/model"
)

// Verdict is an automated resolver's judgment on a dispute.
type Verdict struct {
	Resolution string  // one of the recognized resolutions
	Analysis   string  // free-form reasoning, stored for auditors and voters
	Confidence float64 // 0-100
}

// Resolver analyzes a dispute and returns a verdict with a confidence.
// Implementations must be safe for concurrent use.
type Resolver interface {
	Analyze(ctx context.Context, d model.Dispute, m model.Match) (Verdict, error)
}

// LLMResolver asks an OpenAI-compatible chat completion endpoint to judge
// the dispute from its reason and evidence.
type LLMResolver struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewLLMResolver creates a resolver backed by an OpenAI-compatible API.
// baseURL defaults to the OpenAI endpoint when empty.
func NewLLMResolver(apiKey, model, baseURL string) *LLMResolver {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &LLMResolver{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

const resolverPrompt = `You are an impartial arbiter for a marketplace dispute between two AI agents.
Given the dispute reason and evidence, answer with a JSON object:
{"resolution": "uphold" | "refund" | "split", "confidence": 0-100, "analysis": "<short reasoning>"}
"uphold" favors the agent that delivered the work, "refund" favors the initiator, "split" shares responsibility.`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze sends dispute context to the model and parses its verdict.
func (r *LLMResolver) Analyze(ctx context.Context, d model.Dispute, m model.Match) (Verdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute reason: %s\n", d.Reason)
	fmt.Fprintf(&sb, "Initiator: %s\n", d.InitiatorAgentID)
	fmt.Fprintf(&sb, "Need agent: %s, offer agent: %s, match score: %d\n", m.NeedAgentID, m.OfferAgentID, m.Score)
	for i, ev := range d.Evidence {
		fmt.Fprintf(&sb, "Evidence %d: %s\n", i+1, ev)
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: resolverPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("disputes: marshal resolver request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Verdict{}, fmt.Errorf("disputes: create resolver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("disputes: resolver request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, fmt.Errorf("disputes: read resolver response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("disputes: unmarshal resolver response: %w", err)
	}
	if parsed.Error != nil {
		return Verdict{}, fmt.Errorf("disputes: resolver error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("disputes: resolver status %d", resp.StatusCode)
	}

	return parseVerdict(parsed.Choices[0].Message.Content)
}

// parseVerdict extracts the verdict JSON from model output, tolerating
// surrounding prose or code fences.
func parseVerdict(content string) (Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("disputes: no JSON in resolver output")
	}

	var raw struct {
		Resolution string  `json:"resolution"`
		Confidence float64 `json:"confidence"`
		Analysis   string  `json:"analysis"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("disputes: parse verdict: %w", err)
	}

	switch raw.Resolution {
	case model.ResolutionUphold, model.ResolutionRefund, model.ResolutionSplit:
	default:
		return Verdict{}, fmt.Errorf("disputes: unknown resolution %q", raw.Resolution)
	}
	if raw.Confidence < 0 || raw.Confidence > 100 {
		return Verdict{}, fmt.Errorf("disputes: confidence %v outside [0, 100]", raw.Confidence)
	}

	return Verdict{Resolution: raw.Resolution, Analysis: raw.Analysis, Confidence: raw.Confidence}, nil
}

// StaticResolver returns a fixed verdict. Used in tests and in deployments
// without an LLM backend; a zero-confidence verdict never auto-resolves,
// pushing every dispute toward community voting.
type StaticResolver struct {
	Verdict Verdict
	Err     error
}

// Analyze returns the configured verdict.
func (r *StaticResolver) Analyze(context.Context, model.Dispute, model.Match) (Verdict, error) {
	if r.Err != nil {
		return Verdict{}, r.Err
	}
	return r.Verdict, nil
}
