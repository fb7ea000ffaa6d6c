// Package daemon assembles the keyguardd process from its configuration
// and runs its background loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"keyguard/internal/alerts"
	"keyguard/internal/buffer"
	"keyguard/internal/capture"
	"keyguard/internal/clock"
	"keyguard/internal/config"
	"keyguard/internal/detector"
	"keyguard/internal/errs"
	"keyguard/internal/focus"
	"keyguard/internal/gbdt"
	"keyguard/internal/health"
	"keyguard/internal/ipc"
	"keyguard/internal/keystroke"
	"keyguard/internal/lifecycle"
	"keyguard/internal/logging"
	"keyguard/internal/metrics"
	"keyguard/internal/registry"
	"keyguard/internal/scheduler"
	"keyguard/internal/service"
	"keyguard/internal/store"
	"keyguard/internal/trainer"
)

// minFreeDisk is the free space below which the storage root reports
// degraded health.
const minFreeDisk = 256 << 20

// Daemon owns every long-lived component.
type Daemon struct {
	cfg     *config.Config
	version string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *logging.AuditLogger
	health  *health.Checker

	source  keystroke.Source
	focus   focus.Provider
	tracker *focus.Tracker

	Buffer     *buffer.Buffer
	Capture    *capture.Agent
	Store      *store.Store
	Registry   *registry.Registry
	Jobs       *trainer.Jobs
	Alerts     *alerts.Store
	Detector   *detector.Detector
	Controller *lifecycle.Controller
	Scheduler  *scheduler.Scheduler
	Service    *service.Service
	IPC        *ipc.Server
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option { return func(d *Daemon) { d.clock = c } }

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option { return func(d *Daemon) { d.logger = l } }

// WithMetrics enables Prometheus series.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Daemon) { d.metrics = m } }

// WithSource replaces the configured key source.
func WithSource(s keystroke.Source) Option { return func(d *Daemon) { d.source = s } }

// WithFocus replaces the focus tracker.
func WithFocus(p focus.Provider) Option { return func(d *Daemon) { d.focus = p } }

// WithVersion sets the version reported to clients.
func WithVersion(v string) Option { return func(d *Daemon) { d.version = v } }

// New builds the daemon. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{cfg: cfg.Clone(), version: "dev", clock: clock.Real{}}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	if err := d.build(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	cfg := d.cfg
	st := cfg.Storage
	var err error

	if cfg.Logging.Audit {
		if d.audit, err = logging.NewAuditLogger(st.AuditPath()); err != nil {
			return err
		}
	}

	if d.source == nil {
		d.source = newSource(cfg.Capture)
	}
	if d.focus == nil {
		d.tracker = focus.NewTracker(nil, cfg.Capture.FocusPollInterval(), d.clock, d.component("focus"))
		d.focus = d.tracker
	}

	mirror := ""
	if cfg.Buffer.Mirror {
		mirror = st.BufferPath()
	}
	if d.Buffer, err = buffer.New(cfg.Buffer.Capacity, mirror, d.component("buffer")); err != nil {
		return err
	}
	d.Capture = capture.New(capture.Config{
		DataDir:   st.DataDir(),
		QueueSize: cfg.Capture.QueueSize,
		Policy:    policy(cfg.Capture),
	}, d.source, d.focus, d.Buffer,
		capture.WithClock(d.clock), capture.WithLogger(d.component("capture")), capture.WithMetrics(d.metrics))

	if d.Store, err = store.Open(st.DatabasePath()); err != nil {
		return err
	}
	if d.Registry, err = registry.New(st.ModelsDir(), gbdt.Factory, registry.WithLogger(d.component("registry"))); err != nil {
		return err
	}
	tr := trainer.New(st.DataDir(), d.Registry, d.Store, gbdt.Factory, cfg.Training.Params(),
		trainer.WithClock(d.clock), trainer.WithLogger(d.component("trainer")), trainer.WithMetrics(d.metrics))
	d.Jobs = trainer.NewJobs(tr, d.Store)

	if d.Alerts, err = alerts.NewStore(st.AlertsDir(), d.component("alerts")); err != nil {
		return err
	}

	var ctl *lifecycle.Controller
	d.Detector = detector.New(detectorConfig(cfg.Detection), d.Buffer, models{&ctl}, &alertSink{d: d},
		detector.WithClock(d.clock),
		detector.WithLogger(d.component("detector")),
		detector.WithMetrics(d.metrics),
		detector.WithProgress(func() alerts.Progress { return ctl.Progress() }))
	ctl = lifecycle.New(lifecycle.Config{
		StatePath:    st.StatePath(),
		Target:       cfg.Enrollment.Target,
		PollInterval: cfg.Enrollment.PollInterval(),
		Factory:      gbdt.Factory,
	}, lifecycle.Deps{
		Capture:  d.Capture,
		Jobs:     d.Jobs,
		Profiles: d.Store,
		Models:   d.Registry,
		Detector: d.Detector,
	}, lifecycle.WithClock(d.clock), lifecycle.WithLogger(d.component("lifecycle")), lifecycle.WithMetrics(d.metrics))
	d.Controller = ctl
	d.Jobs.SetEvents(ctl)

	d.Scheduler = scheduler.New(d.Store, d.Jobs,
		scheduler.WithClock(d.clock),
		scheduler.WithLogger(d.component("scheduler")),
		scheduler.WithMetrics(d.metrics),
		scheduler.WithTick(cfg.Scheduler.Tick()))

	d.Service = service.New(service.Deps{
		Controller: ctl,
		Detector:   d.Detector,
		Capture:    d.Capture,
		Jobs:       d.Jobs,
		Scheduler:  d.Scheduler,
		Alerts:     d.Alerts,
		Registry:   d.Registry,
		Store:      d.Store,
	}, service.WithClock(d.clock), service.WithLogger(d.component("service")),
		service.WithMetrics(d.metrics), service.WithAudit(d.audit), service.WithVersion(d.version))

	d.health = health.NewChecker(d.clock)
	d.health.RegisterFunc("store", true, health.PingCheck("database", d.Store.Ping))
	d.health.RegisterFunc("disk", false, health.DiskSpaceCheck(st.Root, minFreeDisk))
	d.health.RegisterFunc("capture", false, health.ErrorStringCheck("capture", func() string {
		return d.Capture.Status().LastError
	}))

	if cfg.IPC.Enabled {
		scfg := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
		scfg.Version = d.version
		if d.IPC, err = ipc.NewServer(scfg, d.Service, ipc.WithServerLogger(d.component("ipc"))); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) component(name string) *slog.Logger {
	return d.logger.With("component", name)
}

// Run recovers persisted state, starts the IPC server and blocks in the
// background loops until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if n, err := d.Jobs.RecoverInterrupted(); err != nil {
		d.logger.Warn("recover training jobs", "error", err)
	} else if n > 0 {
		d.logger.Info("interrupted training jobs marked failed", "count", n)
	}
	if err := d.Controller.Recover(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	if d.IPC != nil {
		if err := d.IPC.Start(); err != nil {
			return err
		}
	}
	d.auditLog(ctx, logging.AuditStartup, map[string]any{"version": d.version})
	d.health.SetReady(true)
	defer d.health.SetReady(false)

	g, gctx := errgroup.WithContext(ctx)
	if d.tracker != nil {
		d.tracker.Start(gctx)
	}
	g.Go(func() error { return d.Detector.Run(gctx) })
	if d.cfg.Scheduler.Enabled {
		g.Go(func() error { return d.Scheduler.Run(gctx) })
	}
	if d.IPC != nil {
		g.Go(func() error { d.watchPhase(gctx); return nil })
	}
	if sim, ok := d.source.(*keystroke.Simulated); ok && d.cfg.Capture.Source == "simulated" {
		g.Go(func() error { d.simulate(gctx, sim); return nil })
	}
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.ListenAddr != "" {
		g.Go(func() error { return d.serveHTTP(gctx) })
	}

	d.logger.Info("keyguardd running", "root", d.cfg.Storage.Root, "version", d.version)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close stops every component. The persisted state keeps its last phase so
// the next start resumes from it.
func (d *Daemon) Close() error {
	if d.IPC != nil {
		if ev, err := ipc.NewEvent(ipc.EventDaemonShutdown, d.clock.Now(), map[string]string{"reason": "shutdown"}); err == nil {
			d.IPC.Broadcast(ev)
		}
		d.IPC.Stop()
	}
	if d.tracker != nil {
		d.tracker.Stop()
	}
	if d.Controller != nil {
		d.Controller.Close()
	}
	if d.Jobs != nil {
		d.Jobs.Close()
	}
	var failures []error
	if d.Capture != nil {
		if err := d.Capture.Stop(); err != nil && !errors.Is(err, errs.ErrNotRunning) {
			failures = append(failures, err)
		}
	}
	if d.Registry != nil {
		failures = append(failures, d.Registry.Close())
	}
	if d.Store != nil {
		failures = append(failures, d.Store.Close())
	}
	d.auditLog(context.Background(), logging.AuditShutdown, nil)
	failures = append(failures, d.audit.Close())
	return errors.Join(failures...)
}

// Apply hot-reloads the settings that can change without a restart:
// detection tunables and the sensitive-window policy.
func (d *Daemon) Apply(old, next *config.Config) {
	if old.Detection != next.Detection {
		d.Detector.Configure(detectorConfig(next.Detection))
		if old.Detection.Enabled != next.Detection.Enabled {
			d.Detector.SetEnabled(next.Detection.Enabled)
		}
		d.logger.Info("detection settings reloaded", "threshold", next.Detection.Threshold, "enabled", next.Detection.Enabled)
	}
	d.Capture.SetPolicy(policy(next.Capture))
	d.auditLog(context.Background(), logging.AuditConfigReloaded, nil)
	for _, field := range restartOnly(old, next) {
		d.logger.Warn("setting changed, restart to apply", "setting", field)
	}
}

func (d *Daemon) auditLog(ctx context.Context, t logging.AuditEventType, details map[string]any) {
	if err := d.audit.Log(ctx, logging.AuditEvent{EventType: t, Details: details}); err != nil {
		d.logger.Warn("audit write failed", "event", t, "error", err)
	}
}

// Health exposes the daemon's health checker.
func (d *Daemon) Health() *health.Checker { return d.health }

// handler routes the metrics listener: Prometheus exposition plus the
// health probes.
func (d *Daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	d.health.Mount(mux)
	return mux
}

func (d *Daemon) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.Metrics.ListenAddr,
		Handler:           d.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	d.logger.Info("metrics listening", "addr", d.cfg.Metrics.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// watchPhase broadcasts enrollment phase changes to subscribers.
func (d *Daemon) watchPhase(ctx context.Context) {
	ticker := d.clock.NewTicker(time.Second)
	defer ticker.Stop()
	last := d.Controller.Status().Enrollment.Phase
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e := d.Controller.Status().Enrollment
			if e.Phase == last {
				continue
			}
			last = e.Phase
			ev, err := ipc.NewEvent(ipc.EventPhaseChanged, d.clock.Now(), e)
			if err != nil {
				continue
			}
			d.IPC.Broadcast(ev)
		}
	}
}

// simulate types a synthetic profile through the simulated source, one
// second of typing per tick.
func (d *Daemon) simulate(ctx context.Context, sim *keystroke.Simulated) {
	p := keystroke.Profile{Hold: 90 * time.Millisecond, Interval: 180 * time.Millisecond, Jitter: 0.2, App: "simulated"}
	per := int(time.Second / p.Interval)
	ticker := d.clock.NewTicker(time.Second)
	defer ticker.Stop()
	var seed uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			seed++
			sim.Type(p.Generate(d.clock.Now(), per, seed))
		}
	}
}

// alertSink persists alerts, then streams and audits them.
type alertSink struct{ d *Daemon }

func (s *alertSink) Save(a *alerts.Alert, events []keystroke.KeyEvent) error {
	if err := s.d.Alerts.Save(a, events); err != nil {
		return err
	}
	s.d.audit.Log(context.Background(), logging.AuditEvent{
		EventType: logging.AuditAnomaly,
		Username:  a.Username,
		ModelType: string(a.ModelType),
		Details:   map[string]any{"alert_id": a.ID, "confidence": a.Confidence},
	})
	if s.d.IPC != nil {
		if ev, err := ipc.NewEvent(ipc.EventAlert, a.Timestamp, a); err == nil {
			s.d.IPC.Broadcast(ev)
		}
	}
	return nil
}

// models resolves the controller lazily; the detector is built first.
type models struct{ ctl **lifecycle.Controller }

func (m models) Current() *detector.Model { return (*m.ctl).Current() }
