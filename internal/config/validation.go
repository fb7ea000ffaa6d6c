package config

import (
	"fmt"
	"net"
	"strings"
)

// Detection threshold bounds, in buffered events.
const (
	MinDetectionThreshold = 5
	MaxDetectionThreshold = 100
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig checks every section and returns ValidationErrors.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{"version", fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version)})
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, ValidationError{"storage.root", "must not be empty"})
	}
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateDetection(&c.Detection)...)
	errs = append(errs, validateTraining(&c.Training)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMisc(c)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors
	switch c.Source {
	case "evdev", "simulated", "none":
	default:
		errs = append(errs, ValidationError{"capture.source", fmt.Sprintf("unknown source %q", c.Source)})
	}
	if c.QueueSize < 1 {
		errs = append(errs, ValidationError{"capture.queue_size", "must be positive"})
	}
	if c.FocusPollMs < 10 {
		errs = append(errs, ValidationError{"capture.focus_poll_ms", "must be at least 10"})
	}
	return errs
}

func validateDetection(d *DetectionConfig) ValidationErrors {
	var errs ValidationErrors
	if d.Threshold < MinDetectionThreshold || d.Threshold > MaxDetectionThreshold {
		errs = append(errs, ValidationError{"detection.threshold",
			fmt.Sprintf("must be between %d and %d", MinDetectionThreshold, MaxDetectionThreshold)})
	}
	if d.ConsecutiveAnomalies < 1 {
		errs = append(errs, ValidationError{"detection.consecutive_anomalies", "must be at least 1"})
	}
	if d.OwnerThreshold <= 0 || d.OwnerThreshold >= 1 {
		errs = append(errs, ValidationError{"detection.owner_threshold", "must be in (0, 1)"})
	}
	if d.EnsembleThreshold <= 0 || d.EnsembleThreshold > 1 {
		errs = append(errs, ValidationError{"detection.ensemble_threshold", "must be in (0, 1]"})
	}
	if d.PollIntervalMs < 10 {
		errs = append(errs, ValidationError{"detection.poll_interval_ms", "must be at least 10"})
	}
	return errs
}

func validateTraining(t *TrainingConfig) ValidationErrors {
	var errs ValidationErrors
	if t.Iterations < 1 {
		errs = append(errs, ValidationError{"training.iterations", "must be positive"})
	}
	if t.Depth < 1 || t.Depth > 16 {
		errs = append(errs, ValidationError{"training.depth", "must be between 1 and 16"})
	}
	if t.LearningRate <= 0 || t.LearningRate > 1 {
		errs = append(errs, ValidationError{"training.learning_rate", "must be in (0, 1]"})
	}
	if t.L2LeafReg < 0 {
		errs = append(errs, ValidationError{"training.l2_leaf_reg", "must not be negative"})
	}
	if t.TestSize <= 0 || t.TestSize >= 1 {
		errs = append(errs, ValidationError{"training.test_size", "must be in (0, 1)"})
	}
	if t.MinEvents < 5 {
		errs = append(errs, ValidationError{"training.min_events", "must be at least 5"})
	}
	if t.ImpostorRatio < 0 {
		errs = append(errs, ValidationError{"training.impostor_ratio", "must not be negative"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", l.Level)})
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf("unknown format %q", l.Format)})
	}
	switch strings.ToLower(l.Output) {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{"logging.output", fmt.Sprintf("unknown output %q", l.Output)})
	}
	return errs
}

func validateMisc(c *Config) ValidationErrors {
	var errs ValidationErrors
	if c.Enrollment.Target < 5 {
		errs = append(errs, ValidationError{"enrollment.target", "must be at least 5"})
	}
	if c.Buffer.Capacity < MaxDetectionThreshold {
		errs = append(errs, ValidationError{"buffer.capacity", fmt.Sprintf("must be at least %d", MaxDetectionThreshold)})
	}
	if c.Scheduler.TickSec < 1 {
		errs = append(errs, ValidationError{"scheduler.tick_sec", "must be positive"})
	}
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		errs = append(errs, ValidationError{"ipc.socket_path", "required when ipc is enabled"})
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			errs = append(errs, ValidationError{"metrics.listen_addr", err.Error()})
		}
	}
	return errs
}
