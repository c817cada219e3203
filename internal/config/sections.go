// Package config implements the dynamic configuration store (C9): a
// validated, deep-merged, versioned tree covering every section named in
// spec §6's "bit-exact field list". It generalizes the teacher's flat
// internal/config/config.go (an env-var loader for one service) into a
// structured, importable/exportable tree with a bounded change history.
package config

import "encoding/json"

// ThreadManager holds C4's tunables.
type ThreadManager struct {
	MaxRestartAttempts    int `json:"maxRestartAttempts" validate:"min=1"`
	RestartDelayMS        int `json:"restartDelayMs" validate:"min=0"`
	HealthCheckIntervalMS int `json:"healthCheckIntervalMs" validate:"min=10"`
	MessageTimeoutMS      int `json:"messageTimeoutMs" validate:"min=1"`
}

// HealthMonitor holds C5's tunables.
type HealthMonitor struct {
	IntervalMS              int  `json:"intervalMs" validate:"min=10"`
	TimeoutMS               int  `json:"timeoutMs" validate:"min=1"`
	MaxMissedChecks         int  `json:"maxMissedChecks" validate:"min=1"`
	EnableMemoryMonitoring  bool `json:"enableMemoryMonitoring"`
	MemoryThresholdMB       int  `json:"memoryThresholdMb" validate:"min=1"`
}

// RestartManager holds C7's tunables.
type RestartManager struct {
	MaxAttempts         int     `json:"maxAttempts" validate:"min=1"`
	InitialDelayMS      int     `json:"initialDelayMs" validate:"min=0"`
	MaxDelayMS          int     `json:"maxDelayMs" validate:"min=0"`
	BackoffMultiplier   float64 `json:"backoffMultiplier" validate:"min=1"`
	ResetCounterAfterMS int     `json:"resetCounterAfterMs" validate:"min=0"`
	EnableCircuitBreaker bool   `json:"enableCircuitBreaker"`
	BreakerThreshold    int     `json:"breakerThreshold" validate:"min=1"`
	BreakerResetMS      int     `json:"breakerResetMs" validate:"min=0"`
}

// ErrorHandler holds C8's tunables. The per-kind maps are keyed by the
// string form of errhandler.Kind so the config package does not need to
// import errhandler (which instead imports config), avoiding a cycle.
type ErrorHandler struct {
	MaxErrorHistory      int            `json:"maxErrorHistory" validate:"min=1"`
	ReportingIntervalMS  int            `json:"reportingIntervalMs" validate:"min=0"`
	EnableAggregation    bool           `json:"enableAggregation"`
	AggregationWindowMS  int            `json:"aggregationWindowMs" validate:"min=1000"`
	RetryDelaysMS        map[string][]int `json:"retryDelaysMs"`
	MaxRecoveryAttempts  map[string]int   `json:"maxRecoveryAttempts"`
	SeverityThresholds   map[string]string `json:"severityThresholds"`
}

// MessageQueue holds C3's tunables.
type MessageQueue struct {
	MaxSize               int            `json:"maxSize" validate:"min=1"`
	MaxSizePerPriority    map[string]int `json:"maxSizePerPriority"`
	EnableBackpressure    bool           `json:"enableBackpressure"`
	BackpressureThreshold float64        `json:"backpressureThreshold" validate:"min=0,max=1"`
	ProcessingDelayMS     int            `json:"processingDelayMs" validate:"min=0"`
	BatchSize             int            `json:"batchSize" validate:"min=1"`
	EnableBatching        bool           `json:"enableBatching"`
}

// Worker holds the in-worker tunables. ModuleConfig is opaque to the core,
// as spec §6 requires ("module_config opaque to the core").
type Worker struct {
	MaxMemoryMB   int             `json:"maxMemoryMb" validate:"min=1"`
	GCIntervalMS  int             `json:"gcIntervalMs" validate:"min=0"`
	LogLevel      string          `json:"logLevel" validate:"oneof=debug info warn error"`
	ModuleConfig  json.RawMessage `json:"moduleConfig,omitempty"`
}

// Config is the full tree. Every Store.Get() returns a deep copy of one of
// these; no caller ever observes a value reachable from the store's own
// fields.
type Config struct {
	ThreadManager  ThreadManager  `json:"threadManager"`
	HealthMonitor  HealthMonitor  `json:"healthMonitor"`
	RestartManager RestartManager `json:"restartManager"`
	ErrorHandler   ErrorHandler   `json:"errorHandler"`
	MessageQueue   MessageQueue   `json:"messageQueue"`
	Worker         Worker         `json:"worker"`
}

// sectionNames lists every section key accepted by Update/Import, in the
// order spec §3 lists them.
var sectionNames = []string{
	"thread_manager",
	"health_monitor",
	"restart_manager",
	"error_handler",
	"message_queue",
	"worker",
}

func (c Config) clone() Config {
	out := c
	out.ErrorHandler.RetryDelaysMS = cloneIntSliceMap(c.ErrorHandler.RetryDelaysMS)
	out.ErrorHandler.MaxRecoveryAttempts = cloneIntMap(c.ErrorHandler.MaxRecoveryAttempts)
	out.ErrorHandler.SeverityThresholds = cloneStringMap(c.ErrorHandler.SeverityThresholds)
	out.MessageQueue.MaxSizePerPriority = cloneIntMap(c.MessageQueue.MaxSizePerPriority)
	if c.Worker.ModuleConfig != nil {
		out.Worker.ModuleConfig = append(json.RawMessage(nil), c.Worker.ModuleConfig...)
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntSliceMap(m map[string][]int) map[string][]int {
	if m == nil {
		return nil
	}
	out := make(map[string][]int, len(m))
	for k, v := range m {
		out[k] = append([]int(nil), v...)
	}
	return out
}
