package buffer

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero value",
			in:   Config{},
			want: Config{
				Name:               "default",
				QueueCapacity:      DefaultQueueCapacity,
				MaxExportBatchSize: DefaultMaxExportBatchSize,
				ScheduleDelay:      DefaultScheduleDelay,
				ExportTimeout:      DefaultExportTimeout,
			},
		},
		{
			name: "batch clamped to capacity",
			in:   Config{Name: "traces", QueueCapacity: 100, MaxExportBatchSize: 512},
			want: Config{
				Name:               "traces",
				QueueCapacity:      100,
				MaxExportBatchSize: 100,
				ScheduleDelay:      DefaultScheduleDelay,
				ExportTimeout:      DefaultExportTimeout,
			},
		},
		{
			name: "explicit values kept",
			in:   Config{Name: "logs", QueueCapacity: 10, MaxExportBatchSize: 5, ScheduleDelay: time.Second, ExportTimeout: 2 * time.Second},
			want: Config{Name: "logs", QueueCapacity: 10, MaxExportBatchSize: 5, ScheduleDelay: time.Second, ExportTimeout: 2 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero", Config{}, false},
		{"negative capacity", Config{QueueCapacity: -1}, true},
		{"negative batch", Config{MaxExportBatchSize: -5}, true},
		{"negative delay", Config{ScheduleDelay: -time.Second}, true},
		{"negative timeout", Config{ExportTimeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateMessages(t *testing.T) {
	for _, cfg := range []Config{{QueueCapacity: -1}, {MaxExportBatchSize: -1}} {
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "must not be negative") {
			t.Errorf("Validate(%+v) = %v, want a 'must not be negative' error", cfg, err)
		}
	}
}
