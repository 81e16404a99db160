package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 4,
			DefaultTimeout:     Duration(60 * time.Second),
			RetryEnabled:       true,
			LoopInterval:       Duration(50 * time.Millisecond),
		},
		Progress: ProgressConfig{
			HistoryLimit:      500,
			BroadcastInterval: Duration(time.Second),
		},
		Sync: SyncConfig{
			Interval:           Duration(30 * time.Second),
			BatchSize:          50,
			Strategy:           "server-wins",
			TimestampThreshold: Duration(5 * time.Second),
			RetryMaxElapsed:    Duration(10 * time.Second),
			BreakerFailures:    5,
		},
		Storage: StorageConfig{
			Path: ".taskmesh/tasks.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Workflows: map[string]WorkflowConfig{},
	}
}
