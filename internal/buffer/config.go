package buffer

import (
	"fmt"
	"time"
)

// Default processor settings. They match the OpenTelemetry batch span
// processor defaults.
const (
	DefaultQueueCapacity      = 2048
	DefaultMaxExportBatchSize = 512
	DefaultScheduleDelay      = 5 * time.Second
	DefaultExportTimeout      = 30 * time.Second
)

// Config holds the construction-time settings of a Processor.
// It is never reloaded.
type Config struct {
	// Name identifies the queue in logs and metric labels (e.g. "traces").
	Name string
	// QueueCapacity is the maximum number of records held before drops.
	QueueCapacity int
	// MaxExportBatchSize bounds every batch handed to the sink.
	MaxExportBatchSize int
	// ScheduleDelay is the longest a non-full batch waits before export.
	ScheduleDelay time.Duration
	// ExportTimeout bounds a single sink call.
	ExportTimeout time.Duration
}

// withDefaults fills zero values and clamps the batch size to the queue capacity.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxExportBatchSize == 0 {
		c.MaxExportBatchSize = DefaultMaxExportBatchSize
	}
	if c.ScheduleDelay == 0 {
		c.ScheduleDelay = DefaultScheduleDelay
	}
	if c.ExportTimeout == 0 {
		c.ExportTimeout = DefaultExportTimeout
	}
	if c.MaxExportBatchSize > c.QueueCapacity {
		c.MaxExportBatchSize = c.QueueCapacity
	}
	return c
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity must not be negative, got %d", c.QueueCapacity)
	}
	if c.MaxExportBatchSize < 0 {
		return fmt.Errorf("max export batch size must not be negative, got %d", c.MaxExportBatchSize)
	}
	if c.ScheduleDelay < 0 {
		return fmt.Errorf("schedule delay must not be negative, got %s", c.ScheduleDelay)
	}
	if c.ExportTimeout < 0 {
		return fmt.Errorf("export timeout must not be negative, got %s", c.ExportTimeout)
	}
	return nil
}
