package logging

import (
	"log/slog"
	"testing"
)

func TestInitLoggingStripsFlag(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "equals form",
			args: []string{"--log-level=debug", "-db", "x.db"},
			want: []string{"-db", "x.db"},
		},
		{
			name: "separate value form",
			args: []string{"-log-level", "warn", "serve"},
			want: []string{"serve"},
		},
		{
			name: "single dash equals",
			args: []string{"-log-level=error"},
			want: nil,
		},
		{
			name: "no flag",
			args: []string{"-listen", ":8000"},
			want: []string{"-listen", ":8000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InitLogging(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("remaining args = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("remaining[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInitLoggingFlagWinsOverEnv(t *testing.T) {
	t.Setenv("AGENTGUARD_LOG_LEVEL", "error")
	InitLogging([]string{"--log-level=debug"})

	if !slog.Default().Enabled(t.Context(), slog.LevelDebug) {
		t.Error("debug level not enabled after --log-level=debug")
	}
}

func TestInitLoggingDefaultsToInfo(t *testing.T) {
	t.Setenv("AGENTGUARD_LOG_LEVEL", "")
	InitLogging(nil)

	if slog.Default().Enabled(t.Context(), slog.LevelDebug) {
		t.Error("debug level enabled without configuration")
	}
	if !slog.Default().Enabled(t.Context(), slog.LevelInfo) {
		t.Error("info level not enabled by default")
	}
}
