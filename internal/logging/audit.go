package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType names a security-relevant state change.
type AuditEventType string

// Audit event types.
const (
	AuditCollectionStarted AuditEventType = "collection_started"
	AuditCollectionStopped AuditEventType = "collection_stopped"
	AuditSwitchUser        AuditEventType = "switch_user"
	AuditTrainingSubmitted AuditEventType = "training_submitted"
	AuditTrainingFinished  AuditEventType = "training_finished"
	AuditEnsembleRebuilt   AuditEventType = "ensemble_rebuilt"
	AuditModelActivated    AuditEventType = "model_activated"
	AuditAnomaly           AuditEventType = "anomaly"
	AuditScheduleFired     AuditEventType = "schedule_fired"
	AuditConfigReloaded    AuditEventType = "config_reloaded"
	AuditStartup           AuditEventType = "startup"
	AuditShutdown          AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Username  string         `json:"username,omitempty"`
	ModelType string         `json:"model_type,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLogger appends JSON lines describing lifecycle transitions.
// A nil *AuditLogger discards events.
type AuditLogger struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// NewAuditLogger writes the audit trail to a rotated file at path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    20,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLogger{w: rotator, c: rotator, now: time.Now}, nil
}

// NewAuditWriter writes the audit trail to w.
func NewAuditWriter(w io.Writer, now func() time.Time) *AuditLogger {
	if now == nil {
		now = time.Now
	}
	return &AuditLogger{w: w, now: now}
}

// Log appends an event, filling in the timestamp and request ID.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Result == "" {
		event.Result = "success"
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := a.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Failure records a failed transition.
func (a *AuditLogger) Failure(ctx context.Context, t AuditEventType, username, modelType string, cause error) error {
	ev := AuditEvent{EventType: t, Username: username, ModelType: modelType, Result: "failure"}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return a.Log(ctx, ev)
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.c == nil {
		return nil
	}
	return a.c.Close()
}
