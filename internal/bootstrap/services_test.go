package bootstrap

import (
	"sort"
	"testing"

	"github.com/lumenlab/optiq/config"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "worker pool only",
			modes: []config.ServiceMode{config.ServiceModeWorkerPool},
			want:  1,
		},
		{
			name:  "all services enabled",
			modes: []config.ServiceMode{config.ServiceModeWorkerPool, config.ServiceModeOrchestrator},
			want:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 1,
		},
		{
			name:  "orchestrator only",
			modes: []config.ServiceMode{config.ServiceModeOrchestrator},
			want:  2,
		},
		{
			name:  "all services enabled",
			modes: []config.ServiceMode{config.ServiceModeWorkerPool, config.ServiceModeOrchestrator},
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelBufferSize(enabled); got != tt.want {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestValidateServiceConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.AppConfig
		wantErr bool
	}{
		{
			name:    "nil config",
			wantErr: true,
		},
		{
			name:    "empty services",
			cfg:     &config.AppConfig{Services: ""},
			wantErr: true,
		},
		{
			name:    "unknown mode",
			cfg:     &config.AppConfig{Services: "scheduler"},
			wantErr: true,
		},
		{
			name: "both services",
			cfg:  &config.AppConfig{Services: "worker-pool,orchestrator"},
		},
		{
			name: "single service with whitespace",
			cfg:  &config.AppConfig{Services: " orchestrator "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceConfig(tt.cfg)
			if tt.wantErr && err == nil {
				t.Fatalf("ValidateServiceConfig(%v) = nil, want error", tt.cfg)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ValidateServiceConfig(%v) = %v, want nil", tt.cfg, err)
			}
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	if got := GetEnabledServices(nil); len(got) != 0 {
		t.Fatalf("GetEnabledServices(nil) = %v, want empty", got)
	}

	cfg := &config.AppConfig{Services: "worker-pool,orchestrator"}
	got := GetEnabledServices(cfg)
	sort.Strings(got)
	want := []string{"orchestrator", "worker-pool"}
	if len(got) != len(want) {
		t.Fatalf("GetEnabledServices(%q) = %v, want %v", cfg.Services, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetEnabledServices(%q) = %v, want %v", cfg.Services, got, want)
		}
	}
}
