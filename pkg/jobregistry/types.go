package jobregistry

import (
	"time"

	"github.com/3leaps/superdev/pkg/job"
)

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID      string            `json:"job_id" yaml:"job_id"`
	Module     string            `json:"module" yaml:"module"`
	Bindings   map[string]string `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	State      job.Status        `json:"state" yaml:"state"`
	Message    string            `json:"message,omitempty" yaml:"message,omitempty"`
	CompileDir string            `json:"compile_dir,omitempty" yaml:"compile_dir,omitempty"`
	Strategy   job.Strategy      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Progress   *job.Progress     `json:"progress,omitempty" yaml:"progress,omitempty"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Terminal reports whether the record will never change again.
func (r JobRecord) Terminal() bool {
	return r.State == job.StatusGone || r.State == job.StatusError
}

// LogPath returns the compile log of the job's directory, if it has one.
func (r JobRecord) LogPath() string {
	if r.CompileDir == "" {
		return ""
	}
	return artifactLog(r.CompileDir)
}

// RecordFromEvent converts an event into its persistent form.
func RecordFromEvent(ev job.Event, createdAt time.Time) *JobRecord {
	ev = ev.Clone()
	if createdAt.IsZero() {
		createdAt = ev.Time
	}
	return &JobRecord{
		JobID:      ev.JobID,
		Module:     ev.Module,
		Bindings:   ev.Bindings,
		State:      ev.Status,
		Message:    ev.Message,
		CompileDir: ev.CompileDir,
		Strategy:   ev.Strategy,
		Progress:   ev.Progress,
		CreatedAt:  createdAt.UTC(),
		UpdatedAt:  ev.Time.UTC(),
	}
}

// Event converts a record back into the event it was written from.
func (r JobRecord) Event() job.Event {
	ev := job.Event{
		JobID:      r.JobID,
		Module:     r.Module,
		Bindings:   r.Bindings,
		Status:     r.State,
		Message:    r.Message,
		CompileDir: r.CompileDir,
		Strategy:   r.Strategy,
		Progress:   r.Progress,
		Time:       r.UpdatedAt,
	}
	return ev.Clone()
}
