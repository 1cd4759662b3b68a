package shelltask

import (
	"context"
	"os/exec"
	"testing"

	"matchflow/internal/invoker"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestHandle_ReadsPayloadOnStdin(t *testing.T) {
	requireSh(t)
	task := Task{Command: "sh", Args: []string{"-c", `grep -q '"scheduled":true'`}}
	if err := task.Handle(context.Background(), invoker.NewPayload("sch_1", "inst_1", 1)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
}

func TestHandle_NonZeroExit(t *testing.T) {
	requireSh(t)
	err := Task{Command: "sh", Args: []string{"-c", "echo broken; exit 3"}}.Handle(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if invoker.IsNoRetry(err) {
		t.Error("non-zero exit should be retryable")
	}
}

func TestHandle_MissingCommand(t *testing.T) {
	if err := (Task{}).Handle(context.Background(), nil); !invoker.IsNoRetry(err) {
		t.Errorf("expected NoRetry, got %v", err)
	}
	err := Task{Command: "definitely-not-a-real-binary-xyz"}.Handle(context.Background(), nil)
	if !invoker.IsNoRetry(err) {
		t.Errorf("expected NoRetry for missing binary, got %v", err)
	}
}
