package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are nanoseconds
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SchedulerConfig controls dispatch and execution.
type SchedulerConfig struct {
	MaxConcurrentTasks int      `json:"max_concurrent_tasks" validate:"gte=1,lte=1024"`
	DefaultTimeout     Duration `json:"default_timeout" validate:"gt=0"`  // Per-attempt timeout when a task sets none
	RetryEnabled       bool     `json:"retry_enabled"`
	LoopInterval       Duration `json:"loop_interval" validate:"gt=0"`
}

// ProgressConfig controls progress history and the aggregate broadcast.
type ProgressConfig struct {
	HistoryLimit      int      `json:"history_limit" validate:"gte=0"` // 0 keeps everything
	BroadcastInterval Duration `json:"broadcast_interval" validate:"gt=0"`
}

// SyncConfig controls the multi-device sync engine.
type SyncConfig struct {
	Enabled            bool     `json:"enabled"`
	Remote             string   `json:"remote,omitempty" validate:"omitempty,url"` // Hub base URL
	Interval           Duration `json:"interval" validate:"gt=0"`
	BatchSize          int      `json:"batch_size" validate:"gte=1"`
	Strategy           string   `json:"strategy" validate:"oneof=server-wins remote-wins client-wins local-wins merge timestamp-based field-level version-based manual custom"`
	TimestampThreshold Duration `json:"timestamp_threshold" validate:"gte=0"`
	RetryMaxElapsed    Duration `json:"retry_max_elapsed" validate:"gte=0"` // Backoff budget per batch push
	BreakerFailures    uint32   `json:"breaker_failures" validate:"gte=1"`  // Consecutive failures before the circuit opens
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Path       string `json:"path" validate:"required"` // SQLite file, or ":memory:"
	Encrypt    bool   `json:"encrypt"`
	KeyFile    string `json:"key_file,omitempty"` // Hex key; a passphrase is used instead when set
	Passphrase string `json:"-"` // Only from the environment
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level string `json:"level" validate:"oneof=trace debug info warn error"`
	File  string `json:"file,omitempty"` // Rotated with lumberjack when set
	JSON  bool   `json:"json"`           // Plain JSON lines on stderr instead of the console writer
}

// WorkflowStep is one task type in a workflow pipeline.
type WorkflowStep struct {
	Type       string `json:"type" validate:"required"`
	MaxRetries int    `json:"max_retries,omitempty" validate:"gte=0"`
	Priority   string `json:"priority,omitempty"`
}

// WorkflowConfig is an ordered pipeline of task types (e.g., build -> test -> deploy).
// Completing a task of one step's type spawns a task of the next step's type.
type WorkflowConfig struct {
	Steps []WorkflowStep `json:"steps" validate:"min=2,dive"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig           `json:"scheduler"`
	Progress  ProgressConfig            `json:"progress"`
	Sync      SyncConfig                `json:"sync"`
	Storage   StorageConfig             `json:"storage"`
	Log       LogConfig                 `json:"log"`
	Workflows map[string]WorkflowConfig `json:"workflows" validate:"dive"`
}
