package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger_JSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info().Msg("hidden")
	logger.Warn().Str("schedule_id", "sch_1").Msg("shown")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "shown" || line["schedule_id"] != "sch_1" {
		t.Errorf("unexpected entry %v", line)
	}
}

func TestSetLevel_Fallback(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	if got := SetLevel("loud"); got != zerolog.InfoLevel {
		t.Errorf("SetLevel(loud) = %v, want info", got)
	}
	if got := SetLevel("debug"); got != zerolog.DebugLevel {
		t.Errorf("SetLevel(debug) = %v", got)
	}
}

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "matchflow", "")
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
