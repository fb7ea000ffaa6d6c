package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keyguard/internal/alerts"
	"keyguard/internal/capture"
	"keyguard/internal/detector"
	"keyguard/internal/errs"
	"keyguard/internal/keystroke"
	"keyguard/internal/lifecycle"
	"keyguard/internal/logging"
	"keyguard/internal/model"
	"keyguard/internal/registry"
	"keyguard/internal/scheduler"
	"keyguard/internal/security"
	"keyguard/internal/store"
	"keyguard/internal/trainer"
)

// =============================================================================
// Status
// =============================================================================

// Status is the get_status payload.
type Status struct {
	CollectionActive bool                         `json:"collection_active"`
	KeystrokeCount   int                          `json:"keystroke_count"`
	Target           int                          `json:"target"`
	FreeTextProgress alerts.Progress              `json:"free_text_progress"`
	ActiveModel      model.ActiveModel            `json:"active_model"`
	LastUpdated      time.Time                    `json:"last_updated"`
	Phase            lifecycle.Phase              `json:"phase"`
	Enrollment       lifecycle.EnrollmentProgress `json:"enrollment"`
	SwitchUser       *lifecycle.SwitchUser        `json:"switch_user,omitempty"`
	Monitoring       string                       `json:"monitoring,omitempty"`
	Collection       capture.CollectionStatus     `json:"collection"`
	Detection        detector.Status              `json:"detection"`
	ActiveJobs       int                          `json:"active_jobs"`
	Version          string                       `json:"version"`
	Uptime           string                       `json:"uptime"`
}

// Status builds the status payload.
func (s *Service) Status() Status {
	snap := s.deps.Controller.Status()
	e := snap.Enrollment
	count := snap.Collection.KeystrokeCount
	if e.Phase == lifecycle.PhaseCollecting {
		count = e.Collected
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = s.clock.Now()
	}
	return Status{
		CollectionActive: snap.Collection.Active,
		KeystrokeCount:   count,
		Target:           e.Target,
		FreeTextProgress: alerts.NewProgress(e.Collected, e.Target),
		ActiveModel:      snap.ActiveModel,
		LastUpdated:      updated,
		Phase:            e.Phase,
		Enrollment:       e,
		SwitchUser:       snap.SwitchUser,
		Monitoring:       snap.Monitoring,
		Collection:       snap.Collection,
		Detection:        s.deps.Detector.Status(),
		ActiveJobs:       s.deps.Jobs.Active(),
		Version:          s.version,
		Uptime:           s.clock.Now().Sub(s.startedAt).Truncate(time.Second).String(),
	}
}

func (s *Service) getStatus(context.Context, json.RawMessage) (string, any, error) {
	st := s.Status()
	return fmt.Sprintf("phase %s", st.Phase), st, nil
}

// =============================================================================
// Enrollment
// =============================================================================

type collectArgs struct {
	Username  string     `json:"username"`
	ModelType model.Type `json:"model_type"`
}

func (s *Service) startCollection(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var a collectArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	if a.ModelType == "" {
		a.ModelType = model.FreeText
	}
	p, err := s.deps.Controller.StartCollection(ctx, a.Username, a.ModelType)
	s.record(ctx, logging.AuditCollectionStarted, a.Username, string(a.ModelType), err, nil)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("collecting %s data for %s (%d of %d)", a.ModelType, a.Username, p.Collected, p.Target), p, nil
}

func (s *Service) stopCollection(ctx context.Context, _ json.RawMessage) (string, any, error) {
	p, err := s.deps.Controller.StopCollection(ctx)
	var username, mt string
	if p != nil {
		username, mt = p.Username, string(p.ModelType)
	}
	s.record(ctx, logging.AuditCollectionStopped, username, mt, err, nil)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("collection stopped at %d of %d events, phase %s", p.Collected, p.Target, p.Phase), p, nil
}

type userArgs struct {
	Username string `json:"username"`
}

func (s *Service) startSwitchUser(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var a userArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	p, err := s.deps.Controller.StartSwitchUser(ctx, a.Username)
	s.record(ctx, logging.AuditSwitchUser, a.Username, string(model.FreeText), err, map[string]any{"action": "start"})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("switch-user mode started for %s", a.Username), p, nil
}

func (s *Service) stopSwitchUser(ctx context.Context, _ json.RawMessage) (string, any, error) {
	p, err := s.deps.Controller.StopSwitchUser(ctx)
	var username string
	if p != nil {
		username = p.Username
	}
	s.record(ctx, logging.AuditSwitchUser, username, string(model.FreeText), err, map[string]any{"action": "stop"})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("switch-user mode stopped for %s, phase %s", p.Username, p.Phase), p, nil
}

// =============================================================================
// Models
// =============================================================================

func (s *Service) train(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var req trainer.Request
	if err := decode(raw, &req); err != nil {
		return "", nil, err
	}
	job, err := s.deps.Jobs.Submit(ctx, req)
	s.record(ctx, logging.AuditTrainingSubmitted, req.Username, string(req.ModelType), err, nil)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("training job %s submitted", job.ID), job, nil
}

type predictArgs struct {
	ModelType model.Type           `json:"model_type"`
	Username  string               `json:"username"`
	Events    []keystroke.KeyEvent `json:"events"`
}

func (s *Service) predict(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var a predictArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	if len(a.Events) == 0 {
		return "", nil, fmt.Errorf("predict: no events: %w", errs.ErrEmptyInput)
	}
	m, err := s.deps.Controller.Model(ctx, a.ModelType, a.Username)
	if err != nil {
		return "", nil, err
	}
	p, err := s.deps.Detector.Predict(ctx, m, a.Events)
	if err != nil {
		return "", nil, err
	}
	verdict := "anomaly"
	if p.Owner {
		verdict = "owner"
	}
	return fmt.Sprintf("%s verdict %s over %d rows", p.ModelType, verdict, p.Rows), p, nil
}

type switchArgs struct {
	ModelType model.Type `json:"model_type"`
	Username  string     `json:"username"`
}

func (s *Service) switchActive(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var a switchArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	err := s.deps.Controller.SwitchActive(ctx, a.ModelType, a.Username)
	s.record(ctx, logging.AuditModelActivated, a.Username, string(a.ModelType), err, nil)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("active model is now %s", a.ModelType), s.Status().ActiveModel, nil
}

// ModelSummary describes one trained model.
type ModelSummary struct {
	ModelType   model.Type `json:"model_type"`
	Username    string     `json:"username,omitempty"`
	Accuracy    float64    `json:"accuracy"`
	LastTrained time.Time  `json:"last_trained"`
	Samples     int        `json:"training_samples"`
	Active      bool       `json:"active"`
}

// ModelList is the list_models payload.
type ModelList struct {
	ActiveModel model.ActiveModel `json:"active_model"`
	Models      []ModelSummary    `json:"models"`
	Ensemble    []string          `json:"ensemble_members"`
}

func (s *Service) listModels(context.Context, json.RawMessage) (string, any, error) {
	active := s.deps.Controller.Status().ActiveModel
	out := ModelList{ActiveModel: active, Models: []ModelSummary{}, Ensemble: []string{}}
	for _, t := range []model.Type{model.FixedText, model.FreeText} {
		entries, err := s.deps.Registry.ListTrained(t)
		if err != nil {
			return "", nil, err
		}
		for _, e := range entries {
			out.Models = append(out.Models, ModelSummary{
				ModelType:   t,
				Username:    e.Username,
				Accuracy:    e.Info.Accuracy,
				LastTrained: e.Info.LastTrained,
				Samples:     e.Info.TrainingSamples,
				Active:      active.Type == t && active.Username == e.Username,
			})
		}
	}
	enrolled, err := s.deps.Store.EnrolledUsers()
	if err != nil {
		return "", nil, err
	}
	for _, u := range enrolled {
		out.Ensemble = append(out.Ensemble, u.Username)
	}
	return fmt.Sprintf("%d trained models, %d ensemble members", len(out.Models), len(out.Ensemble)), out, nil
}

// =============================================================================
// Alerts
// =============================================================================

type listAlertsArgs struct {
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	Filter string `json:"filter"`
}

func (s *Service) listAlerts(_ context.Context, raw json.RawMessage) (string, any, error) {
	a := listAlertsArgs{Page: 1}
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	page, err := s.deps.Alerts.List(a.Page, a.Limit, a.Filter)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%d of %d alerts", len(page.Alerts), page.TotalCount), page, nil
}

type idArgs struct {
	ID string `json:"id"`
}

func (s *Service) getAlert(_ context.Context, raw json.RawMessage) (string, any, error) {
	var a idArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	alert, err := s.deps.Alerts.Get(a.ID)
	if err != nil {
		return "", nil, err
	}
	return "alert " + alert.ID, alert, nil
}

// =============================================================================
// Schedules
// =============================================================================

func (s *Service) createSchedule(_ context.Context, raw json.RawMessage) (string, any, error) {
	var req scheduler.Request
	if err := decode(raw, &req); err != nil {
		return "", nil, err
	}
	sc, err := s.deps.Scheduler.Create(req)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("schedule %s created, next run %s", sc.ID, sc.NextRun.Format(time.RFC3339)), sc, nil
}

type updateScheduleArgs struct {
	ID string `json:"id"`
	scheduler.Request
}

func (s *Service) updateSchedule(_ context.Context, raw json.RawMessage) (string, any, error) {
	var a updateScheduleArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	sc, err := s.deps.Scheduler.Update(a.ID, a.Request)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("schedule %s updated", sc.ID), sc, nil
}

func (s *Service) deleteSchedule(_ context.Context, raw json.RawMessage) (string, any, error) {
	var a idArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	if err := s.deps.Scheduler.Delete(a.ID); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("schedule %s deleted", a.ID), nil, nil
}

func (s *Service) listSchedules(context.Context, json.RawMessage) (string, any, error) {
	all, err := s.deps.Scheduler.List()
	if err != nil {
		return "", nil, err
	}
	if all == nil {
		all = []model.Schedule{}
	}
	return fmt.Sprintf("%d schedules", len(all)), all, nil
}

// =============================================================================
// Users and jobs
// =============================================================================

func (s *Service) listUsers(context.Context, json.RawMessage) (string, any, error) {
	users, err := s.deps.Store.ListUsers()
	if err != nil {
		return "", nil, err
	}
	if users == nil {
		users = []store.User{}
	}
	return fmt.Sprintf("%d users", len(users)), users, nil
}

type listJobsArgs struct {
	Status    model.JobStatus `json:"status"`
	ModelType model.Type      `json:"model_type"`
	Username  string          `json:"username"`
	Limit     int             `json:"limit"`
}

func (s *Service) listJobs(_ context.Context, raw json.RawMessage) (string, any, error) {
	var a listJobsArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	if a.Limit < 0 {
		return "", nil, fmt.Errorf("limit %d: %w", a.Limit, errs.ErrInvalidArgument)
	}
	jobs, err := s.deps.Jobs.List(store.JobFilter{Status: a.Status, ModelType: a.ModelType, Username: a.Username, Limit: a.Limit})
	if err != nil {
		return "", nil, err
	}
	if jobs == nil {
		jobs = []model.TrainingJob{}
	}
	return fmt.Sprintf("%d jobs", len(jobs)), jobs, nil
}

func (s *Service) getJob(_ context.Context, raw json.RawMessage) (string, any, error) {
	var a idArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	if err := security.ValidateID(a.ID); err != nil {
		return "", nil, err
	}
	job, err := s.deps.Jobs.Get(a.ID)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("job %s %s", job.ID, job.Status), job, nil
}

// =============================================================================
// Detection
// =============================================================================

type detectionArgs struct {
	Enabled   *bool `json:"enabled"`
	Threshold *int  `json:"threshold"`
}

func (s *Service) setDetection(_ context.Context, raw json.RawMessage) (string, any, error) {
	var a detectionArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	if a.Enabled == nil && a.Threshold == nil {
		return "", nil, fmt.Errorf("set_detection needs enabled or threshold: %w", errs.ErrInvalidArgument)
	}
	if a.Enabled != nil {
		s.deps.Detector.SetEnabled(*a.Enabled)
	}
	if a.Threshold != nil {
		s.deps.Detector.SetThreshold(*a.Threshold)
	}
	st := s.deps.Detector.Status()
	s.logger.Info("detection updated", "enabled", st.Enabled, "threshold", st.Threshold)
	state := "disabled"
	if st.Enabled {
		state = "enabled"
	}
	return fmt.Sprintf("detection %s, threshold %d", state, st.Threshold), st, nil
}

// =============================================================================
// Summary and files
// =============================================================================

// Summary is the summary payload.
type Summary struct {
	Users         int                     `json:"users"`
	EnrolledUsers int                     `json:"enrolled_users"`
	TrainedModels map[model.Type]int      `json:"trained_models"`
	Alerts        int                     `json:"alerts"`
	Jobs          map[model.JobStatus]int `json:"jobs"`
	Schedules     int                     `json:"schedules"`
	ActiveModel   model.ActiveModel       `json:"active_model"`
	Phase         lifecycle.Phase         `json:"phase"`
}

func (s *Service) summary(context.Context, json.RawMessage) (string, any, error) {
	snap := s.deps.Controller.Status()
	out := Summary{
		TrainedModels: map[model.Type]int{},
		Jobs:          map[model.JobStatus]int{},
		ActiveModel:   snap.ActiveModel,
		Phase:         snap.Enrollment.Phase,
	}
	users, err := s.deps.Store.ListUsers()
	if err != nil {
		return "", nil, err
	}
	out.Users = len(users)
	for _, u := range users {
		if u.EnrolledInEnsemble {
			out.EnrolledUsers++
		}
	}
	for _, t := range []model.Type{model.FixedText, model.FreeText} {
		entries, err := s.deps.Registry.ListTrained(t)
		if err != nil {
			return "", nil, err
		}
		out.TrainedModels[t] = len(entries)
	}
	if out.Alerts, err = s.deps.Alerts.Count(); err != nil {
		return "", nil, err
	}
	jobs, err := s.deps.Jobs.List(store.JobFilter{})
	if err != nil {
		return "", nil, err
	}
	for _, j := range jobs {
		out.Jobs[j.Status]++
	}
	schedules, err := s.deps.Scheduler.List()
	if err != nil {
		return "", nil, err
	}
	out.Schedules = len(schedules)
	return fmt.Sprintf("%d users, %d alerts", out.Users, out.Alerts), out, nil
}

// CaptureFile is one captured keystroke CSV.
type CaptureFile struct {
	Path      string     `json:"path"`
	Username  string     `json:"username"`
	ModelType model.Type `json:"model_type"`
	Day       string     `json:"day"`
}

// FileList is the list_files payload.
type FileList struct {
	Models   []registry.File `json:"models"`
	Captures []CaptureFile   `json:"captures"`
}

type listFilesArgs struct {
	Username  string     `json:"username"`
	ModelType model.Type `json:"model_type"`
}

func (s *Service) listFiles(_ context.Context, raw json.RawMessage) (string, any, error) {
	var a listFilesArgs
	if err := decode(raw, &a); err != nil {
		return "", nil, err
	}
	if a.Username != "" {
		if err := security.ValidateUsername(a.Username); err != nil {
			return "", nil, err
		}
	}
	models, err := s.deps.Registry.ListFiles()
	if err != nil {
		return "", nil, err
	}
	out := FileList{Models: []registry.File{}, Captures: []CaptureFile{}}
	for _, f := range models {
		if (a.Username == "" || f.Username == a.Username) && (a.ModelType == "" || f.ModelType == string(a.ModelType)) {
			out.Models = append(out.Models, f)
		}
	}
	captures, err := capture.ListFiles(s.deps.Capture.DataDir(), a.Username, a.ModelType)
	if err != nil {
		return "", nil, err
	}
	for _, f := range captures {
		out.Captures = append(out.Captures, CaptureFile{
			Path:      f.Path,
			Username:  f.Username,
			ModelType: f.ModelType,
			Day:       f.Day.Format(time.DateOnly),
		})
	}
	return fmt.Sprintf("%d model files, %d capture files", len(out.Models), len(out.Captures)), out, nil
}
