package domain

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// StepState is the orchestrator state of one time step.
type StepState string

const (
	StepPending    StepState = "pending"
	StepAcquiring  StepState = "acquiring"
	StepProcessing StepState = "processing"
	StepIngesting  StepState = "ingesting"
	StepDone       StepState = "done"
	StepSkipped    StepState = "skipped"
	StepFailed     StepState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s StepState) Terminal() bool {
	return s == StepDone || s == StepSkipped || s == StepFailed
}

// AssetFailure records why one asset did not make it into the store.
type AssetFailure struct {
	AssetID string    `json:"asset_id,omitempty"`
	Stage   StepState `json:"stage"`
	Kind    string    `json:"kind"`
	Cause   string    `json:"cause"`
}

// StepReport is the outcome of one time step.
type StepReport struct {
	Window         string         `json:"window"`
	State          StepState      `json:"state"`
	Assets         int            `json:"assets"`
	Records        int            `json:"records"`
	RegionsOutside int            `json:"regions_outside"`
	RegionsNoData  int            `json:"regions_no_valid_pixels"`
	PartialRegions int            `json:"partial_regions"`
	Failures       []AssetFailure `json:"failures,omitempty"`
	Cause          string         `json:"cause,omitempty"`
	Duration       time.Duration  `json:"duration_ns"`
}

// Fail records a failed asset or stage.
func (s *StepReport) Fail(assetID string, stage StepState, err error) {
	s.Failures = append(s.Failures, AssetFailure{
		AssetID: assetID,
		Stage:   stage,
		Kind:    KindOf(err).String(),
		Cause:   err.Error(),
	})
}

// Finish settles the terminal state from the accumulated failures.
func (s *StepReport) Finish() {
	switch {
	case len(s.Failures) > 0:
		s.State = StepFailed
		causes := make([]string, len(s.Failures))
		for i, f := range s.Failures {
			causes[i] = f.Cause
		}
		s.Cause = strings.Join(causes, "; ")
	case s.Assets == 0:
		s.State = StepSkipped
	default:
		s.State = StepDone
	}
}

// RunCounts summarises step outcomes.
type RunCounts struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Records   int `json:"records"`
}

// RunProgress is a point-in-time view of a run for status endpoints.
type RunProgress struct {
	RunID     string    `json:"run_id,omitempty"`
	Steps     int       `json:"steps"`
	Completed int       `json:"completed"`
	Current   string    `json:"current,omitempty"`
	Finished  bool      `json:"finished"`
	Counts    RunCounts `json:"counts"`
}

// RunReport accumulates step outcomes. It is owned by a single orchestrator
// goroutine and is not safe for concurrent mutation.
type RunReport struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepReport `json:"steps"`
	Aborted    bool         `json:"aborted"`
	Cancelled  bool         `json:"cancelled"`
	AbortCause string       `json:"abort_cause,omitempty"`
}

// NewRunReport starts a report stamped with the package clock.
func NewRunReport(runID string) *RunReport {
	return &RunReport{RunID: runID, StartedAt: clock.Now().UTC()}
}

// Add appends a finished step.
func (r *RunReport) Add(s StepReport) { r.Steps = append(r.Steps, s) }

// Abort marks the run as stopped by a fatal error.
func (r *RunReport) Abort(err error) {
	r.Aborted = true
	r.AbortCause = err.Error()
}

// Cancel marks the run as stopped by the caller.
func (r *RunReport) Cancel() { r.Cancelled = true }

// Close stamps the finish time.
func (r *RunReport) Close() { r.FinishedAt = clock.Now().UTC() }

// Counts tallies the step outcomes.
func (r *RunReport) Counts() RunCounts {
	var c RunCounts
	for _, s := range r.Steps {
		switch s.State {
		case StepDone:
			c.Succeeded++
		case StepSkipped:
			c.Skipped++
		case StepFailed:
			c.Failed++
		}
		c.Records += s.Records
	}
	return c
}

// Err joins every step failure cause, or returns nil.
func (r *RunReport) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.State == StepFailed {
			errs = append(errs, errors.New(s.Window+": "+s.Cause))
		}
	}
	return errors.Join(errs...)
}

// WriteJSON encodes the report with its counts.
func (r *RunReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*RunReport
		Counts RunCounts `json:"counts"`
	}{r, r.Counts()})
}
