package adapter

import (
	"fmt"
	"time"
)

const (
	mockDefaultDurationMS = 5000
	mockMaxDurationMS     = 3_600_000
	mockDefaultFailurePct = 50
)

// MockConfig is the mock adapter's argument shape.
type MockConfig struct {
	DurationMS     int64
	ShouldFail     bool
	FailurePercent int
}

func parseMockConfig(args map[string]any) (MockConfig, error) {
	cfg := MockConfig{DurationMS: mockDefaultDurationMS, FailurePercent: mockDefaultFailurePct}

	if v, ok := args["duration_ms"]; ok {
		n, ok := toFloat(v)
		if !ok {
			return cfg, fmt.Errorf("duration_ms must be a number")
		}
		cfg.DurationMS = int64(n)
	}
	if v, ok := args["should_fail"]; ok {
		b, ok := v.(bool)
		if !ok {
			return cfg, fmt.Errorf("should_fail must be a bool")
		}
		cfg.ShouldFail = b
	}
	if v, ok := args["failure_percent"]; ok {
		n, ok := toFloat(v)
		if !ok {
			return cfg, fmt.Errorf("failure_percent must be a number")
		}
		cfg.FailurePercent = int(n)
	}
	return cfg, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// MockAdapter emits a deterministic event sequence over four checkpoints
// (25/50/75/100%), used for testing and demos without external
// dependencies.
type MockAdapter struct{}

// NewMockAdapter constructs a MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

var _ Adapter = (*MockAdapter)(nil)

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) ValidateArgs(args map[string]any) error {
	cfg, err := parseMockConfig(args)
	if err != nil {
		return fmt.Errorf("invalid mock config: %w", err)
	}
	if cfg.DurationMS <= 0 {
		return fmt.Errorf("duration_ms must be > 0")
	}
	if cfg.DurationMS > mockMaxDurationMS {
		return fmt.Errorf("duration_ms must be <= %d (1 hour)", mockMaxDurationMS)
	}
	if cfg.FailurePercent < 0 || cfg.FailurePercent > 100 {
		return fmt.Errorf("failure_percent must be 0-100")
	}
	return nil
}

type mockCheckpoint struct {
	percent    int
	progress   string
	stdoutMsg  string
}

var mockCheckpoints = []mockCheckpoint{
	{25, "Initializing...", "Mock task starting..."},
	{50, "Processing...", "Processing data..."},
	{75, "Finalizing...", "Task complete!"},
	{100, "Done", ""},
}

func (a *MockAdapter) Execute(ctx *Context) error {
	cfg, err := parseMockConfig(ctx.Args)
	if err != nil {
		cfg = MockConfig{DurationMS: mockDefaultDurationMS, FailurePercent: mockDefaultFailurePct}
	}

	ctx.Emit(Started(map[string]any{
		"adapter":     "mock",
		"duration_ms": cfg.DurationMS,
		"should_fail": cfg.ShouldFail,
	}))

	stepDuration := time.Duration(cfg.DurationMS/4) * time.Millisecond

	for i, cp := range mockCheckpoints {
		if ctx.IsCancelled() {
			ctx.Emit(Cancelled(ctx.CancelReason()))
			return nil
		}

		if cfg.ShouldFail && cp.percent >= cfg.FailurePercent {
			msg := fmt.Sprintf("simulated failure at %d%%", cp.percent)
			ctx.Emit(Failed(msg))
			return fmt.Errorf("%s", msg)
		}

		ctx.Emit(Progress(cp.percent, cp.progress))
		if cp.stdoutMsg != "" {
			ctx.Emit(Stdout(cp.stdoutMsg))
		}

		if i < len(mockCheckpoints)-1 {
			select {
			case <-ctx.Cancelled():
				ctx.Emit(Cancelled(ctx.CancelReason()))
				return nil
			case <-time.After(stepDuration):
			}
		}
	}

	ctx.Emit(Completed(map[string]any{
		"exit_code":   0,
		"duration_ms": cfg.DurationMS,
	}))
	return nil
}

func (a *MockAdapter) Metadata() map[string]any {
	return map[string]any{
		"name":         "mock",
		"version":      "1.0.0",
		"description":  "deterministic mock adapter for testing",
		"capabilities": []string{"deterministic", "configurable_duration", "simulated_failure"},
	}
}
