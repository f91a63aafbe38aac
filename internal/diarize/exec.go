package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

type execDiarizer struct {
	cmd []string
	mu  sync.Mutex
}

// execTurn matches the wire contract of diarization tooling: speaker cluster
// ids with start/end in fractional seconds.
type execTurn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// NewExecDiarizer wraps an external diarization command. The command
// receives --audio and --max-speakers flags and prints a JSON array of
// {"speaker", "start", "end"} objects with times in seconds.
func NewExecDiarizer(command string) (Diarizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse diarize command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("diarize command is empty")
	}
	return &execDiarizer{cmd: args}, nil
}

func (d *execDiarizer) Diarize(ctx context.Context, audioPath string, maxSpeakers int) ([]Turn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	args := append([]string{}, d.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", audioPath)
	if maxSpeakers > 0 {
		cmdArgs = append(cmdArgs, "--max-speakers", strconv.Itoa(maxSpeakers))
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("diarize command failed: %w: %s", err, stderr.String())
	}

	var raw []execTurn
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("decode diarize response: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, t := range raw {
		turns = append(turns, Turn{
			Cluster: t.Speaker,
			Start:   time.Duration(t.Start * float64(time.Second)),
			End:     time.Duration(t.End * float64(time.Second)),
		})
	}
	return turns, nil
}
