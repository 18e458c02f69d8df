package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSamplerForMode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		mode     string
		ratio    float64
		wantDrop bool
	}{
		{name: "off_mode_drops", mode: "off", ratio: 0.5, wantDrop: true},
		{name: "sampled_zero_ratio_drops", mode: "sampled", ratio: 0, wantDrop: true},
		{name: "sampled_full_ratio_records", mode: "sampled", ratio: 1, wantDrop: false},
		{name: "detailed_records", mode: "detailed", ratio: 0, wantDrop: false},
		{name: "errors_mode_uses_low_sampling", mode: "errors", ratio: 1, wantDrop: false},
		{name: "unknown_mode_defaults_to_sampled", mode: "unknown", ratio: 1, wantDrop: false},
	}

	params := sdktrace.SamplingParameters{}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			decision := samplerForMode(tc.mode, tc.ratio).ShouldSample(params).Decision
			gotDrop := decision == sdktrace.Drop
			if gotDrop != tc.wantDrop {
				t.Fatalf("ShouldSample().Decision drop=%t, want %t", gotDrop, tc.wantDrop)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	testCases := []struct {
		name     string
		config   Config
		wantMode string
	}{
		{
			name:     "disabled_tracing_forces_off",
			config:   Config{Enabled: false, ServiceName: "cybot", TraceMode: "detailed"},
			wantMode: "off",
		},
		{
			name:     "enabled_sampled_tracing",
			config:   Config{Enabled: true, ServiceName: "cybot", TraceMode: "sampled", TraceSampleRatio: 0.5},
			wantMode: "sampled",
		},
		{
			name:     "enabled_detailed_tracing",
			config:   Config{Enabled: true, TraceMode: "detailed"},
			wantMode: "detailed",
		},
	}

	for _, tc := range testCases {
		runtime, err := Setup(tc.config)
		if err != nil {
			t.Fatalf("%s: Setup() unexpected error: %v", tc.name, err)
		}
		if runtime.TracerProvider == nil || runtime.Shutdown == nil {
			t.Fatalf("%s: Setup() returned incomplete runtime", tc.name)
		}
		if got := TraceMode(); got != tc.wantMode {
			t.Fatalf("%s: TraceMode() = %q, want %q", tc.name, got, tc.wantMode)
		}
		if err := runtime.Shutdown(context.Background()); err != nil {
			t.Fatalf("%s: Shutdown() unexpected error: %v", tc.name, err)
		}
	}
}

func TestShouldTraceDependencies(t *testing.T) {
	if _, err := Setup(Config{Enabled: true, TraceMode: "detailed"}); err != nil {
		t.Fatalf("Setup() unexpected error: %v", err)
	}
	if !ShouldTraceDependencies() {
		t.Fatalf("ShouldTraceDependencies() = false in detailed mode")
	}
	if _, err := Setup(Config{Enabled: true, TraceMode: "sampled"}); err != nil {
		t.Fatalf("Setup() unexpected error: %v", err)
	}
	if ShouldTraceDependencies() {
		t.Fatalf("ShouldTraceDependencies() = true in sampled mode")
	}
}
