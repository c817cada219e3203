package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidationResult is what Update/Import reports back to the caller.
// Errors block the merge; Warnings are informational only (spec §4.9:
// "A validator returns errors (blocking) and warnings (non-blocking)").
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var structValidator = validator.New()

// validateSection runs struct-tag validation plus the semantic rules
// spec §4.9 calls out by name, against the proposed merged value of one
// section. cfg is the whole tree *after* the incoming partial has been
// deep-merged onto the current one, so validation always sees the config
// as it would exist post-update.
func validateSection(name string, cfg Config) ([]string, []string) {
	var errs, warns []string

	switch name {
	case "thread_manager":
		errs = append(errs, structErrors(cfg.ThreadManager)...)
	case "health_monitor":
		errs = append(errs, structErrors(cfg.HealthMonitor)...)
		if cfg.HealthMonitor.TimeoutMS < 100 {
			errs = append(errs, "healthCheckTimeout must be at least 100 ms")
		}
		if cfg.HealthMonitor.MemoryThresholdMB > 0 && cfg.HealthMonitor.MemoryThresholdMB < 64 {
			warns = append(warns, "memoryThreshold below 64 MiB; consider raising it")
		}
	case "restart_manager":
		errs = append(errs, structErrors(cfg.RestartManager)...)
		if cfg.RestartManager.MaxAttempts < 1 {
			errs = append(errs, "maxRestartAttempts must be at least 1")
		}
	case "error_handler":
		errs = append(errs, structErrors(cfg.ErrorHandler)...)
	case "message_queue":
		errs = append(errs, structErrors(cfg.MessageQueue)...)
		total := 0
		for _, v := range cfg.MessageQueue.MaxSizePerPriority {
			total += v
		}
		if total > cfg.MessageQueue.MaxSize {
			warns = append(warns, "sum of per-priority queue caps exceeds maxSize; effective capacity is maxSize")
		}
	case "worker":
		errs = append(errs, structErrors(cfg.Worker)...)
	}

	return errs, warns
}

func structErrors(v any) []string {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
	return out
}
