package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/bigmoletos/whisper-sub001/internal/audio"
)

type execEngine struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecEngine wraps an external transcription command. The command receives
// the window as a WAV file via --audio plus --tier, --model and --language
// flags, and prints a JSON object {"text": ..., "confidence": ...} on stdout.
func NewExecEngine(command, modelPath string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcribe command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcribe command is empty")
	}
	return &execEngine{cmd: args, modelPath: modelPath}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribe_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, req.Samples, req.SampleRate); err != nil {
		return Result{}, err
	}

	args := append([]string{}, e.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--tier", string(req.Tier))
	if e.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.modelPath)
	}
	if req.Language != "" {
		cmdArgs = append(cmdArgs, "--language", req.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if isOutOfMemory(stderr.String()) {
			return Result{}, fmt.Errorf("%w: %s", ErrOutOfMemory, strings.TrimSpace(stderr.String()))
		}
		return Result{}, fmt.Errorf("transcribe command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode transcribe response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func isOutOfMemory(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "out of memory")
}
