// Package shelltask runs a scheduled function as a local command.
package shelltask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"matchflow/internal/invoker"
)

// Task runs Command with Args; the invocation payload is written to stdin.
type Task struct {
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args"`
}

func (t Task) Handle(ctx context.Context, payload json.RawMessage) error {
	if t.Command == "" {
		return invoker.NoRetry(fmt.Errorf("command is required"))
	}
	cmd := exec.CommandContext(ctx, t.Command, t.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return invoker.NoRetry(fmt.Errorf("shell error: %w", err))
		}
		return fmt.Errorf("shell error: %v; out=%s", err, out)
	}
	return nil
}
