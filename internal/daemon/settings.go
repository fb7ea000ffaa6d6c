package daemon

import (
	"slices"

	"keyguard/internal/config"
	"keyguard/internal/detector"
	"keyguard/internal/focus"
	"keyguard/internal/keystroke"
)

func newSource(c config.CaptureConfig) keystroke.Source {
	switch c.Source {
	case "simulated", "none":
		return keystroke.NewSimulated()
	default:
		return keystroke.New(c.Device)
	}
}

func policy(c config.CaptureConfig) focus.Policy {
	return focus.Policy{
		DenyTitles: slices.Clone(c.SensitiveTitles),
		DenyApps:   slices.Clone(c.SensitiveApps),
		AllowApps:  slices.Clone(c.AllowedApps),
	}
}

func detectorConfig(c config.DetectionConfig) detector.Config {
	cfg := detector.DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.Threshold > 0 {
		cfg.Threshold = detector.Clamp(c.Threshold)
	}
	if c.ConsecutiveAnomalies > 0 {
		cfg.ConsecutiveAnomalies = c.ConsecutiveAnomalies
	}
	if c.OwnerThreshold > 0 {
		cfg.OwnerThreshold = c.OwnerThreshold
	}
	if c.EnsembleThreshold > 0 {
		cfg.EnsembleThreshold = c.EnsembleThreshold
	}
	if c.PollIntervalMs > 0 {
		cfg.PollInterval = c.PollInterval()
	}
	return cfg
}

// restartOnly lists changed settings that take effect on the next start.
func restartOnly(old, next *config.Config) []string {
	var out []string
	if old.Storage != next.Storage {
		out = append(out, "storage")
	}
	if old.Capture.Source != next.Capture.Source || old.Capture.Device != next.Capture.Device ||
		old.Capture.QueueSize != next.Capture.QueueSize || old.Capture.FocusPollMs != next.Capture.FocusPollMs {
		out = append(out, "capture")
	}
	if old.Buffer != next.Buffer {
		out = append(out, "buffer")
	}
	if old.Enrollment != next.Enrollment {
		out = append(out, "enrollment")
	}
	if old.Training != next.Training {
		out = append(out, "training")
	}
	if old.Scheduler != next.Scheduler {
		out = append(out, "scheduler")
	}
	if old.IPC != next.IPC {
		out = append(out, "ipc")
	}
	if old.Metrics != next.Metrics {
		out = append(out, "metrics")
	}
	return out
}
