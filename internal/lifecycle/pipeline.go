package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"keyguard/internal/detector"
	"keyguard/internal/ensemble"
	"keyguard/internal/errs"
	"keyguard/internal/model"
	"keyguard/internal/security"
	"keyguard/internal/trainer"
)

var modelTypes = []string{string(model.FixedText), string(model.FreeText), string(model.MultiBinary)}

// launchPipelineLocked moves the enrollment to Training and starts
// training then integration in the background.
func (c *Controller) launchPipelineLocked(username string) {
	c.state.Enrollment.Error = ""
	c.setPhaseLocked(PhaseTraining)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pipeline(username)
	}()
}

func (c *Controller) pipeline(username string) {
	job, err := c.deps.Jobs.Submit(c.ctx, trainer.Request{ModelType: model.FreeText, Username: username})
	if err == nil {
		c.mu.Lock()
		c.state.Enrollment.JobIDs = append(c.state.Enrollment.JobIDs, job.ID)
		c.persistLocked()
		c.mu.Unlock()
		job, err = c.deps.Jobs.Wait(c.ctx, job.ID)
	}
	if err == nil && job.Status != model.JobCompleted {
		err = fmt.Errorf("training job %s %s: %s", job.ID, job.Status, job.Error)
	}
	if err != nil {
		c.fail(username, err)
		return
	}
	if err := c.integrate(c.ctx, username); err != nil {
		c.fail(username, err)
	}
}

// fail returns the enrollment to Idle and restores whatever was serving
// before it started.
func (c *Controller) fail(username string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Error("enrollment failed", "username", username, "phase", c.state.Enrollment.Phase, "kind", errs.KindOf(err), "error", err)
	c.state.Enrollment.Error = err.Error()
	c.setPhaseLocked(PhaseIdle)
	if c.state.SwitchUser != nil {
		c.restoreStashLocked()
	} else {
		c.resumeMonitoringLocked()
	}
	c.persistLocked()
}

// integrate adds username to the ensemble, activates it and restarts
// capture in multi-binary mode for the new user.
func (c *Controller) integrate(ctx context.Context, username string) error {
	c.mu.Lock()
	c.setPhaseLocked(PhaseIntegrating)
	c.persistLocked()
	c.mu.Unlock()

	ens, err := c.rebuild(ctx, username)
	if err != nil {
		return fmt.Errorf("integrate %s: %w", username, err)
	}

	c.mu.Lock()
	c.setPhaseLocked(PhaseActivateMB)
	m := &detector.Model{
		Active:   model.ActiveModel{Type: model.MultiBinary, LastUpdated: c.clock.Now()},
		Ensemble: ens,
	}
	c.active.Store(m)
	c.state.ActiveModel = m.Active
	c.state.SwitchUser = nil
	c.stash = nil
	c.metrics.SetActiveModel(string(model.MultiBinary), modelTypes)
	c.state.Monitoring = username
	c.state.Enrollment.Error = ""
	c.setPhaseLocked(PhaseActive)
	c.deps.Detector.SetPaused(false)
	c.resumeMonitoringLocked()
	c.persistLocked()
	c.mu.Unlock()

	c.OnEnsembleUpdated(ens.Names())
	return nil
}

// rebuild enrolls username (when set), rebuilds the ensemble from every
// trained free-text model and persists it. Trained models without a
// profile get one. When the ensemble is serving it is replaced.
func (c *Controller) rebuild(ctx context.Context, username string) (*ensemble.Ensemble, error) {
	c.integrateMu.Lock()
	defer c.integrateMu.Unlock()

	now := c.clock.Now()
	if username != "" {
		if err := c.deps.Profiles.Enroll([]string{username}, now); err != nil {
			return nil, err
		}
	}
	users, err := c.deps.Profiles.EnrolledUsers()
	if err != nil {
		return nil, err
	}
	order := make([]string, len(users))
	for i, u := range users {
		order[i] = u.Username
	}

	ens, err := ensemble.Build(ctx, c.deps.Models, order, c.logger)
	if err != nil {
		return nil, err
	}
	if err := c.syncProfiles(ens); err != nil {
		return nil, err
	}
	if err := c.deps.Models.SaveEnsemble(ens); err != nil {
		return nil, err
	}

	if username == "" {
		c.mu.Lock()
		if cur := c.active.Load(); cur != nil && cur.Ensemble != nil && c.state.SwitchUser == nil {
			m := &detector.Model{Active: model.ActiveModel{Type: model.MultiBinary, LastUpdated: now}, Ensemble: ens}
			c.active.Store(m)
			c.state.ActiveModel = m.Active
			c.persistLocked()
		}
		c.mu.Unlock()
		c.OnEnsembleUpdated(ens.Names())
	}
	return ens, nil
}

// syncProfiles makes every ensemble member a trained, enrolled user.
func (c *Controller) syncProfiles(ens *ensemble.Ensemble) error {
	entries, err := c.deps.Models.ListTrained(model.FreeText)
	if err != nil {
		return err
	}
	infos := make(map[string]*model.Info, len(entries))
	for _, e := range entries {
		infos[e.Username] = e.Info
	}
	var missing []string
	for _, name := range ens.Names() {
		u, err := c.deps.Profiles.GetUser(name)
		if err != nil && !errors.Is(err, errs.ErrUnknownUser) {
			return err
		}
		if u == nil || !u.FreeTextTrained {
			info := infos[name]
			at := c.clock.Now()
			var accuracy float64
			if info != nil {
				accuracy, at = info.Accuracy, info.LastTrained
			}
			if err := c.deps.Profiles.RecordFreeTextTraining(name, accuracy, at); err != nil {
				return err
			}
			c.logger.Info("profile created for trained model", "username", name)
		}
		if u == nil || !u.EnrolledInEnsemble {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return c.deps.Profiles.Enroll(missing, c.clock.Now())
}

// =============================================================================
// Active model
// =============================================================================

// SwitchActive makes the detector consult another trained model. Binary
// models are monitored for their owner.
func (c *Controller) SwitchActive(ctx context.Context, t model.Type, username string) error {
	m, err := c.loadModel(ctx, t, username)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SwitchUser != nil {
		return fmt.Errorf("switch-user mode for %s is active: %w", c.state.SwitchUser.Username, errs.ErrConflict)
	}
	c.active.Store(m)
	c.state.ActiveModel = m.Active
	c.metrics.SetActiveModel(string(t), modelTypes)
	if t.Binary() && c.state.Monitoring != username {
		c.state.Monitoring = username
		if !c.state.Enrollment.Phase.Busy() {
			c.pauseMonitoringLocked()
		}
	}
	if !c.state.Enrollment.Phase.Busy() {
		c.resumeMonitoringLocked()
	}
	c.persistLocked()
	c.logger.Info("active model switched", "model_type", t, "username", username)
	return nil
}

// Model resolves the snapshot an ad-hoc prediction runs against. An empty
// type, or the active type and user, returns the serving model.
func (c *Controller) Model(ctx context.Context, t model.Type, username string) (*detector.Model, error) {
	cur := c.active.Load()
	if t == "" {
		if cur == nil {
			return nil, fmt.Errorf("no active model: %w", errs.ErrModelNotTrained)
		}
		return cur, nil
	}
	if cur != nil && cur.Active.Type == t && (t == model.MultiBinary || username == "" || cur.Active.Username == username) {
		return cur, nil
	}
	return c.loadModel(ctx, t, username)
}

// loadModel builds a detector snapshot for a trained model.
func (c *Controller) loadModel(ctx context.Context, t model.Type, username string) (*detector.Model, error) {
	now := c.clock.Now()
	switch t {
	case model.FixedText, model.FreeText:
		if err := security.ValidateUsername(username); err != nil {
			return nil, err
		}
		clf, _, err := c.deps.Models.Load(t, username)
		if err != nil {
			return nil, err
		}
		if clf == nil {
			return nil, fmt.Errorf("%s model for %s: %w", t, username, errs.ErrModelNotTrained)
		}
		return &detector.Model{Active: model.ActiveModel{Type: t, Username: username, LastUpdated: now}, Classifier: clf}, nil
	case model.MultiBinary:
		ens, err := c.loadEnsemble(ctx)
		if err != nil {
			return nil, err
		}
		return &detector.Model{Active: model.ActiveModel{Type: t, LastUpdated: now}, Ensemble: ens}, nil
	}
	return nil, fmt.Errorf("model type %q: %w", t, errs.ErrInvalidArgument)
}

// loadEnsemble prefers the persisted artifact and rebuilds when there is
// none.
func (c *Controller) loadEnsemble(ctx context.Context) (*ensemble.Ensemble, error) {
	if c.cfg.Factory != nil {
		d := &ensemble.Decoder{Factory: c.cfg.Factory}
		ok, err := c.deps.Models.LoadEnsemble(d)
		if err != nil {
			c.logger.Warn("persisted ensemble unreadable, rebuilding", "error", err)
		} else if ok {
			return d.Result, nil
		}
	}
	users, err := c.deps.Profiles.EnrolledUsers()
	if err != nil {
		return nil, err
	}
	order := make([]string, len(users))
	for i, u := range users {
		order[i] = u.Username
	}
	return ensemble.Build(ctx, c.deps.Models, order, c.logger)
}

// =============================================================================
// Recovery
// =============================================================================

// Recover loads the persisted state. The active model is reloaded, an
// interrupted collection resumes with its count taken from the captured
// files and an interrupted training pipeline starts over.
func (c *Controller) Recover(ctx context.Context) error {
	st := SystemState{Enrollment: EnrollmentProgress{Phase: PhaseIdle}}
	if c.cfg.StatePath != "" {
		loaded, err := loadState(c.cfg.StatePath)
		if err != nil {
			return err
		}
		st = loaded
	}
	if st.Enrollment.Target <= 0 {
		st.Enrollment.Target = c.cfg.Target
	}

	var active *detector.Model
	if st.ActiveModel.Type != "" {
		m, err := c.loadModel(ctx, st.ActiveModel.Type, st.ActiveModel.Username)
		if err != nil {
			c.logger.Error("restore active model", "model_type", st.ActiveModel.Type, "username", st.ActiveModel.Username, "error", err)
			st.ActiveModel = model.ActiveModel{}
		} else {
			m.Active = st.ActiveModel
			active = m
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st
	c.active.Store(active)
	c.metrics.SetActiveModel(string(st.ActiveModel.Type), modelTypes)

	e := st.Enrollment
	if st.SwitchUser != nil {
		c.stash = active
		c.deps.Detector.SetPaused(true)
	}
	switch e.Phase {
	case PhaseCollecting:
		if err := c.beginCollectingLocked(e.Username, e.ModelType); err != nil {
			c.logger.Error("resume collection", "username", e.Username, "error", err)
			c.state.Enrollment.Error = err.Error()
			c.setPhaseLocked(PhaseIdle)
			c.restoreStashLocked()
			break
		}
		c.state.Enrollment.JobIDs = e.JobIDs
		c.logger.Info("collection resumed", "username", e.Username, "collected", c.state.Enrollment.Collected)
	case PhaseTraining, PhaseIntegrating, PhaseActivateMB:
		c.logger.Warn("restarting interrupted enrollment pipeline", "username", e.Username, "phase", e.Phase)
		c.launchPipelineLocked(e.Username)
	default:
		c.setPhaseLocked(e.Phase)
		if c.state.SwitchUser != nil {
			c.restoreStashLocked()
		}
		c.resumeMonitoringLocked()
	}
	c.persistLocked()
	return nil
}
