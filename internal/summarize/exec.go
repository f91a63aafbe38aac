package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
	mu  sync.Mutex
}

type execResponse struct {
	Content string `json:"content"`
}

// NewExecBackend summarizes via an external command. The request is passed
// as JSON on stdin; the command prints {"content": ...} on stdout.
func NewExecBackend(command string) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse summarize command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("summarize command is empty")
	}
	return &execBackend{cmd: args}, nil
}

func (b *execBackend) Summarize(ctx context.Context, req Request) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	payload := map[string]any{
		"kind":        string(req.Kind),
		"system":      systemPrompt(req.Kind),
		"prompt":      req.Input,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	base := b.cmd[0]
	args := append([]string{}, b.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("summarize command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Result{}, fmt.Errorf("decode summarize response: %w", err)
	}
	return Result{Text: resp.Content}, nil
}
