// Package config handles configuration loading and validation for keyguard.
//
// Every path the daemon touches is derived from a single storage root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"keyguard/internal/model"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage    StorageConfig    `toml:"storage" json:"storage" yaml:"storage"`
	Capture    CaptureConfig    `toml:"capture" json:"capture" yaml:"capture"`
	Buffer     BufferConfig     `toml:"buffer" json:"buffer" yaml:"buffer"`
	Detection  DetectionConfig  `toml:"detection" json:"detection" yaml:"detection"`
	Enrollment EnrollmentConfig `toml:"enrollment" json:"enrollment" yaml:"enrollment"`
	Training   TrainingConfig   `toml:"training" json:"training" yaml:"training"`
	Scheduler  SchedulerConfig  `toml:"scheduler" json:"scheduler" yaml:"scheduler"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	IPC        IPCConfig        `toml:"ipc" json:"ipc" yaml:"ipc"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// StorageConfig holds the storage root. All other paths hang off it.
type StorageConfig struct {
	Root string `toml:"root" json:"root" yaml:"root"`
}

// DataDir holds the captured keystroke CSVs.
func (s StorageConfig) DataDir() string { return filepath.Join(s.Root, "data") }

// ModelsDir holds classifier artifacts.
func (s StorageConfig) ModelsDir() string { return filepath.Join(s.Root, "models") }

// AlertsDir holds alert records.
func (s StorageConfig) AlertsDir() string { return filepath.Join(s.Root, "alerts") }

// DatabasePath is the SQLite database.
func (s StorageConfig) DatabasePath() string { return filepath.Join(s.Root, "keyguard.db") }

// StatePath is the persisted system state blob.
func (s StorageConfig) StatePath() string { return filepath.Join(s.Root, "state.json") }

// BufferPath is the on-disk prediction buffer mirror.
func (s StorageConfig) BufferPath() string { return filepath.Join(s.Root, "prediction_buffer.csv") }

// AuditPath is the lifecycle audit trail.
func (s StorageConfig) AuditPath() string { return filepath.Join(s.Root, "audit.log") }

// CaptureConfig controls the keystroke capture agent.
type CaptureConfig struct {
	// Source is "evdev", "simulated" or "none".
	Source string `toml:"source" json:"source" yaml:"source"`
	// Device is an explicit /dev/input/eventN path. Empty means autodetect.
	Device      string `toml:"device" json:"device" yaml:"device"`
	QueueSize   int    `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
	FocusPollMs int    `toml:"focus_poll_ms" json:"focus_poll_ms" yaml:"focus_poll_ms"`

	// SensitiveTitles are window title patterns whose keystrokes are never
	// recorded. Patterns are case-insensitive substrings or * wildcards.
	SensitiveTitles []string `toml:"sensitive_titles" json:"sensitive_titles" yaml:"sensitive_titles"`
	SensitiveApps   []string `toml:"sensitive_apps" json:"sensitive_apps" yaml:"sensitive_apps"`
	// AllowedApps, when non-empty, restricts capture to these applications.
	AllowedApps []string `toml:"allowed_apps" json:"allowed_apps" yaml:"allowed_apps"`
}

// FocusPollInterval returns the focus poll period.
func (c CaptureConfig) FocusPollInterval() time.Duration {
	return time.Duration(c.FocusPollMs) * time.Millisecond
}

// BufferConfig controls the rolling prediction buffer.
type BufferConfig struct {
	Capacity int  `toml:"capacity" json:"capacity" yaml:"capacity"`
	Mirror   bool `toml:"mirror" json:"mirror" yaml:"mirror"`
}

// DetectionConfig controls the anomaly detector.
type DetectionConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	// Threshold is the buffered event count that triggers a detection cycle.
	Threshold            int     `toml:"threshold" json:"threshold" yaml:"threshold"`
	ConsecutiveAnomalies int     `toml:"consecutive_anomalies" json:"consecutive_anomalies" yaml:"consecutive_anomalies"`
	OwnerThreshold       float64 `toml:"owner_threshold" json:"owner_threshold" yaml:"owner_threshold"`
	EnsembleThreshold    float64 `toml:"ensemble_threshold" json:"ensemble_threshold" yaml:"ensemble_threshold"`
	PollIntervalMs       int     `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// PollInterval returns the detector poll period.
func (d DetectionConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// EnrollmentConfig controls onboarding.
type EnrollmentConfig struct {
	Target         int `toml:"target" json:"target" yaml:"target"`
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// PollInterval returns the target watcher poll period.
func (e EnrollmentConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

// TrainingConfig holds default classifier hyperparameters.
type TrainingConfig struct {
	Iterations          int     `toml:"iterations" json:"iterations" yaml:"iterations"`
	Depth               int     `toml:"depth" json:"depth" yaml:"depth"`
	LearningRate        float64 `toml:"learning_rate" json:"learning_rate" yaml:"learning_rate"`
	L2LeafReg           float64 `toml:"l2_leaf_reg" json:"l2_leaf_reg" yaml:"l2_leaf_reg"`
	EarlyStoppingRounds int     `toml:"early_stopping_rounds" json:"early_stopping_rounds" yaml:"early_stopping_rounds"`
	TestSize            float64 `toml:"test_size" json:"test_size" yaml:"test_size"`
	Seed                int64   `toml:"seed" json:"seed" yaml:"seed"`
	MinEvents           int     `toml:"min_events" json:"min_events" yaml:"min_events"`
	ImpostorRatio       float64 `toml:"impostor_ratio" json:"impostor_ratio" yaml:"impostor_ratio"`
}

// Params converts the defaults into classifier parameters.
func (t TrainingConfig) Params() model.Params {
	return model.Params{
		Iterations:          t.Iterations,
		Depth:               t.Depth,
		LearningRate:        t.LearningRate,
		L2LeafReg:           t.L2LeafReg,
		EarlyStoppingRounds: t.EarlyStoppingRounds,
		TestSize:            t.TestSize,
		Seed:                t.Seed,
		MinEvents:           t.MinEvents,
		ImpostorRatio:       t.ImpostorRatio,
	}
}

// SchedulerConfig controls periodic retraining.
type SchedulerConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	TickSec int  `toml:"tick_sec" json:"tick_sec" yaml:"tick_sec"`
}

// Tick returns the scheduler tick period.
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSec) * time.Second
}

// LoggingConfig mirrors logging.Config in serializable form.
type LoggingConfig struct {
	Level      string   `toml:"level" json:"level" yaml:"level"`
	Format     string   `toml:"format" json:"format" yaml:"format"`
	Output     string   `toml:"output" json:"output" yaml:"output"`
	// FilePath defaults to <root>/logs/keyguardd.log when empty.
	FilePath   string   `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int      `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	MaxBackups int      `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool     `toml:"compress" json:"compress" yaml:"compress"`
	Redact     []string `toml:"redact" json:"redact" yaml:"redact"`
	Audit      bool     `toml:"audit" json:"audit" yaml:"audit"`
}

// IPCConfig controls the operator socket.
type IPCConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration rooted at KeyguardDir.
func DefaultConfig() *Config {
	return DefaultConfigAt(KeyguardDir())
}

// DefaultConfigAt returns the default configuration rooted at root.
func DefaultConfigAt(root string) *Config {
	return &Config{
		Version: Version,
		Storage: StorageConfig{Root: root},
		Capture: CaptureConfig{
			Source:          "evdev",
			QueueSize:       4096,
			FocusPollMs:     250,
			SensitiveTitles: []string{"password", "passphrase", "sign in", "log in"},
		},
		Buffer: BufferConfig{Capacity: 1000, Mirror: true},
		Detection: DetectionConfig{
			Enabled:              true,
			Threshold:            30,
			ConsecutiveAnomalies: 2,
			OwnerThreshold:       0.5,
			EnsembleThreshold:    0.5,
			PollIntervalMs:       1000,
		},
		Enrollment: EnrollmentConfig{Target: 10000, PollIntervalMs: 1000},
		Training: TrainingConfig{
			Iterations:          2500,
			Depth:               7,
			LearningRate:        0.01,
			L2LeafReg:           4,
			EarlyStoppingRounds: 100,
			TestSize:            0.2,
			Seed:                42,
			MinEvents:           10000,
			ImpostorRatio:       1.0,
		},
		Scheduler: SchedulerConfig{Enabled: true, TickSec: 60},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 5,
			Compress:   true,
			Audit:      true,
		},
		IPC:     IPCConfig{Enabled: true, SocketPath: defaultSocketPath()},
		Metrics: MetricsConfig{Enabled: false, ListenAddr: "127.0.0.1:9464"},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// KeyguardDir returns the storage root, honoring KEYGUARD_DATA_DIR.
func KeyguardDir() string {
	if envDir := os.Getenv("KEYGUARD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// LogPath resolves the daemon log file.
func (c *Config) LogPath() string {
	if c.Logging.FilePath != "" {
		return c.Logging.FilePath
	}
	return filepath.Join(c.Storage.Root, "logs", "keyguardd.log")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates every directory the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.Root,
		c.Storage.DataDir(),
		c.Storage.ModelsDir(),
		c.Storage.AlertsDir(),
		filepath.Dir(c.LogPath()),
		filepath.Dir(c.IPC.SocketPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Capture.SensitiveTitles = append([]string(nil), c.Capture.SensitiveTitles...)
	clone.Capture.SensitiveApps = append([]string(nil), c.Capture.SensitiveApps...)
	clone.Capture.AllowedApps = append([]string(nil), c.Capture.AllowedApps...)
	clone.Logging.Redact = append([]string(nil), c.Logging.Redact...)
	return &clone
}

// Save writes the configuration as TOML with write-then-rename.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("encode TOML: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
