package config

// Default returns the frozen default tree. ResetToDefaults and a fresh
// Store both start here.
func Default() Config {
	return Config{
		ThreadManager: ThreadManager{
			MaxRestartAttempts:    5,
			RestartDelayMS:        1000,
			HealthCheckIntervalMS: 5000,
			MessageTimeoutMS:      10000,
		},
		HealthMonitor: HealthMonitor{
			IntervalMS:             5000,
			TimeoutMS:              2000,
			MaxMissedChecks:        3,
			EnableMemoryMonitoring: true,
			MemoryThresholdMB:      512,
		},
		RestartManager: RestartManager{
			MaxAttempts:          5,
			InitialDelayMS:       1000,
			MaxDelayMS:           30000,
			BackoffMultiplier:    2,
			ResetCounterAfterMS:  60000,
			EnableCircuitBreaker: true,
			BreakerThreshold:     3,
			BreakerResetMS:       5000,
		},
		ErrorHandler: ErrorHandler{
			MaxErrorHistory:     200,
			ReportingIntervalMS: 60000,
			EnableAggregation:   true,
			AggregationWindowMS: 60000,
			RetryDelaysMS: map[string][]int{
				"communication": {500, 1000, 2000},
				"timeout":       {500, 1000, 2000},
			},
			MaxRecoveryAttempts: map[string]int{
				"communication":    5,
				"timeout":          5,
				"worker_runtime":   3,
				"memory":           1,
				"external_service": 3,
			},
			SeverityThresholds: map[string]string{
				"worker_startup":   "high",
				"worker_runtime":   "medium",
				"communication":    "medium",
				"memory":           "high",
				"timeout":          "low",
				"configuration":    "high",
				"external_service": "medium",
				"unknown":          "medium",
			},
		},
		MessageQueue: MessageQueue{
			MaxSize: 1000,
			MaxSizePerPriority: map[string]int{
				"LOW":      400,
				"NORMAL":   400,
				"HIGH":     150,
				"CRITICAL": 50,
			},
			EnableBackpressure:    true,
			BackpressureThreshold: 0.8,
			ProcessingDelayMS:     0,
			BatchSize:             10,
			EnableBatching:        false,
		},
		Worker: Worker{
			MaxMemoryMB:  512,
			GCIntervalMS: 300000,
			LogLevel:     "info",
		},
	}
}
