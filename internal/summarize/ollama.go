package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type ollamaBackend struct {
	endpoint string
	model    string
}

// NewOllamaBackend summarizes via an Ollama server's /api/generate endpoint.
// Responses are requested unstreamed; the summarizer only uses complete
// summaries, so there is nothing to surface incrementally.
func NewOllamaBackend(endpoint, model string) Backend {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaBackend{endpoint: endpoint, model: model}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (b *ollamaBackend) Summarize(ctx context.Context, req Request) (Result, error) {
	payload := ollamaRequest{
		Model:  b.model,
		Prompt: req.Input,
		System: systemPrompt(req.Kind),
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode ollama response: %w", err)
	}
	return Result{Text: out.Response}, nil
}
