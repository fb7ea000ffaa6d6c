package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"keyguard/internal/errs"
	"keyguard/internal/model"
	"keyguard/internal/security"
)

// Phase is the enrollment state of the user being onboarded.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseCollecting  Phase = "Collecting"
	PhaseTraining    Phase = "Training"
	PhaseIntegrating Phase = "Integrating"
	PhaseActivateMB  Phase = "ActivateMB"
	PhaseActive      Phase = "Active"
)

// Phases lists every phase in FSM order.
var Phases = []Phase{PhaseIdle, PhaseCollecting, PhaseTraining, PhaseIntegrating, PhaseActivateMB, PhaseActive}

func phaseNames() []string {
	out := make([]string, len(Phases))
	for i, p := range Phases {
		out[i] = string(p)
	}
	return out
}

// Busy reports whether an enrollment owns the capture agent or the
// training pipeline.
func (p Phase) Busy() bool {
	return p == PhaseCollecting || p == PhaseTraining || p == PhaseIntegrating || p == PhaseActivateMB
}

// EnrollmentProgress tracks the current or most recent enrollment.
type EnrollmentProgress struct {
	Username   string     `json:"username,omitempty"`
	ModelType  model.Type `json:"model_type,omitempty"`
	Collected  int        `json:"collected"`
	Target     int        `json:"target"`
	Percentage float64    `json:"percentage"`
	Phase      Phase      `json:"phase"`
	JobIDs     []string   `json:"job_ids,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

func (p *EnrollmentProgress) setCollected(n int) {
	p.Collected = n
	p.Percentage = 0
	if p.Target > 0 {
		p.Percentage = math.Min(100, math.Round(1000*float64(n)/float64(p.Target))/10)
	}
}

// SwitchUser records an onboarding that runs while a production model is
// serving.
type SwitchUser struct {
	Username  string            `json:"username"`
	Stashed   model.ActiveModel `json:"stashed_model"`
	StartedAt time.Time         `json:"started_at"`
}

// SystemState is the persisted controller state.
type SystemState struct {
	ActiveModel model.ActiveModel  `json:"active_model"`
	Enrollment  EnrollmentProgress `json:"enrollment"`
	SwitchUser  *SwitchUser        `json:"switch_user,omitempty"`
	// Monitoring names the user whose typing feeds the detector after
	// integration.
	Monitoring string    `json:"monitoring,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s SystemState) clone() SystemState {
	out := s
	out.Enrollment.JobIDs = append([]string(nil), s.Enrollment.JobIDs...)
	if s.SwitchUser != nil {
		su := *s.SwitchUser
		out.SwitchUser = &su
	}
	return out
}

func loadState(path string) (SystemState, error) {
	data, err := security.ReadFileLimited(path, 1<<20)
	if errors.Is(err, fs.ErrNotExist) {
		return SystemState{Enrollment: EnrollmentProgress{Phase: PhaseIdle}}, nil
	}
	if err != nil {
		return SystemState{}, fmt.Errorf("read state: %w", errs.IO(err))
	}
	var s SystemState
	if err := json.Unmarshal(data, &s); err != nil {
		return SystemState{}, fmt.Errorf("decode state: %v: %w", err, errs.ErrSchema)
	}
	if s.Enrollment.Phase == "" {
		s.Enrollment.Phase = PhaseIdle
	}
	return s, nil
}

func saveState(path string, s SystemState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := security.WriteFileAtomic(path, data, security.PermPrivateFile); err != nil {
		return fmt.Errorf("write state: %w", errs.IO(err))
	}
	return nil
}
