// Package service implements the operator verbs of keyguardd.
//
// Every verb takes a JSON argument object and returns an envelope with
// success, a message or error, the error kind, a status word and an
// optional data payload. Errors are reported by kind and wrapped message.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"keyguard/internal/alerts"
	"keyguard/internal/capture"
	"keyguard/internal/clock"
	"keyguard/internal/detector"
	"keyguard/internal/errs"
	"keyguard/internal/ipc"
	"keyguard/internal/lifecycle"
	"keyguard/internal/logging"
	"keyguard/internal/metrics"
	"keyguard/internal/registry"
	"keyguard/internal/scheduler"
	"keyguard/internal/store"
	"keyguard/internal/trainer"
)

// Deps are the components the verbs operate on.
type Deps struct {
	Controller *lifecycle.Controller
	Detector   *detector.Detector
	Capture    *capture.Agent
	Jobs       *trainer.Jobs
	Scheduler  *scheduler.Scheduler
	Alerts     *alerts.Store
	Registry   *registry.Registry
	Store      *store.Store
}

type verbFunc func(ctx context.Context, args json.RawMessage) (string, any, error)

// Service dispatches operator verbs.
type Service struct {
	deps      Deps
	version   string
	startedAt time.Time
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     *logging.AuditLogger
	verbs     map[string]verbFunc
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock sets the clock.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithMetrics records request counts and latencies.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithAudit records lifecycle changes made through the API.
func WithAudit(a *logging.AuditLogger) Option { return func(s *Service) { s.audit = a } }

// WithVersion sets the version reported by get_status.
func WithVersion(v string) Option { return func(s *Service) { s.version = v } }

// New creates a service over deps.
func New(deps Deps, opts ...Option) *Service {
	s := &Service{deps: deps, version: "dev", clock: clock.Real{}}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("service")
	}
	s.startedAt = s.clock.Now()
	s.verbs = map[string]verbFunc{
		"start_collection":  s.startCollection,
		"stop_collection":   s.stopCollection,
		"get_status":        s.getStatus,
		"start_switch_user": s.startSwitchUser,
		"stop_switch_user":  s.stopSwitchUser,
		"train":             s.train,
		"predict":           s.predict,
		"switch_active":     s.switchActive,
		"list_models":       s.listModels,
		"list_alerts":       s.listAlerts,
		"get_alert":         s.getAlert,
		"create_schedule":   s.createSchedule,
		"update_schedule":   s.updateSchedule,
		"delete_schedule":   s.deleteSchedule,
		"list_schedules":    s.listSchedules,
		"list_users":        s.listUsers,
		"list_jobs":         s.listJobs,
		"get_job":           s.getJob,
		"set_detection":     s.setDetection,
		"summary":           s.summary,
		"list_files":        s.listFiles,
	}
	return s
}

var _ ipc.Handler = (*Service)(nil)

// Verbs returns the supported verb names, sorted.
func (s *Service) Verbs() []string {
	out := make([]string, 0, len(s.verbs))
	for v := range s.verbs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// HandleRequest serves one IPC request.
func (s *Service) HandleRequest(ctx context.Context, client *ipc.Client, req *ipc.Request) *ipc.Response {
	if client != nil {
		ctx = logging.ContextWithRequestID(ctx, client.ID+"/"+uuid.NewString()[:8])
	}
	return s.Do(ctx, req.Verb, req.Args)
}

// Do runs verb with its raw JSON arguments and builds the envelope.
func (s *Service) Do(ctx context.Context, verb string, args json.RawMessage) *ipc.Response {
	if logging.RequestIDFromContext(ctx) == "" {
		ctx = logging.ContextWithRequestID(ctx, uuid.NewString())
	}
	start := time.Now()
	fn, ok := s.verbs[verb]
	var (
		msg  string
		data any
		err  error
	)
	if ok {
		msg, data, err = fn(ctx, args)
	} else {
		err = fmt.Errorf("unknown verb %q: %w", verb, errs.ErrInvalidArgument)
	}
	kind := errs.KindOf(err)
	s.metrics.RecordRequest(verb, kind, time.Since(start))

	if err != nil {
		s.logger.Warn("request failed", "verb", verb, "kind", kind, "error", err,
			"request_id", logging.RequestIDFromContext(ctx))
		return &ipc.Response{Error: err.Error(), Kind: kind, Status: ipc.StatusError}
	}
	s.logger.Debug("request served", "verb", verb, "request_id", logging.RequestIDFromContext(ctx))

	resp := &ipc.Response{Success: true, Message: msg, Status: ipc.StatusOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Error("encode response", "verb", verb, "error", err)
			return &ipc.Response{Error: "encode response", Kind: errs.KindOf(err), Status: ipc.StatusError}
		}
		resp.Data = raw
	}
	return resp
}

// decode reads args into v. Missing args leave v untouched and unknown
// fields are rejected.
func decode(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode arguments: %v: %w", err, errs.ErrInvalidArgument)
	}
	return nil
}

func (s *Service) record(ctx context.Context, t logging.AuditEventType, username, modelType string, err error, details map[string]any) {
	var aerr error
	if err != nil {
		aerr = s.audit.Failure(ctx, t, username, modelType, err)
	} else {
		aerr = s.audit.Log(ctx, logging.AuditEvent{
			EventType: t,
			Username:  username,
			ModelType: modelType,
			Result:    "success",
			Details:   details,
		})
	}
	if aerr != nil {
		s.logger.Warn("audit write failed", "event", t, "error", aerr)
	}
}
