package job

import (
	"maps"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle status carried by an Event.
//
// NOTE: These values are persisted in job.json and returned over HTTP; they
// are part of the stable contract.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCompiling Status = "compiling"
	StatusServing   Status = "serving"
	StatusGone      Status = "gone"
	StatusError     Status = "error"
)

// Active reports whether a job with this status still counts as active.
func (s Status) Active() bool {
	switch s {
	case StatusWaiting, StatusCompiling, StatusServing:
		return true
	default:
		return false
	}
}

// DefaultMessage is the human-readable text used when an event carries none.
func (s Status) DefaultMessage() string {
	switch s {
	case StatusWaiting:
		return "waiting for the compiler"
	case StatusCompiling:
		return "compiling"
	case StatusServing:
		return "serving"
	case StatusGone:
		return "another compile replaced this one"
	case StatusError:
		return "compile failed"
	default:
		return string(s)
	}
}

// Strategy is how the compiler handled one compile.
type Strategy string

const (
	StrategyFull        Strategy = "full"
	StrategyIncremental Strategy = "incremental"
	StrategySkipped     Strategy = "skipped"
)

// Progress is a coarse compile progress report.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Event is an immutable snapshot of one job's status.
//
// A new status is always a new Event; published events are never modified.
type Event struct {
	JobID      string            `json:"job_id"`
	Module     string            `json:"module"`
	Bindings   map[string]string `json:"bindings,omitempty"`
	Status     Status            `json:"status"`
	Message    string            `json:"message"`
	CompileDir string            `json:"compile_dir,omitempty"`
	Strategy   Strategy          `json:"strategy,omitempty"`
	Progress   *Progress         `json:"progress,omitempty"`
	Time       time.Time         `json:"time"`
}

// EventSpec carries the optional parts of a new Event.
type EventSpec struct {
	Message    string
	CompileDir string
	Strategy   Strategy
	Progress   *Progress
}

// NewEvent builds an Event for j. An empty message gets the status default.
func NewEvent(j *Job, status Status, spec EventSpec) Event {
	msg := strings.TrimSpace(spec.Message)
	if msg == "" {
		msg = status.DefaultMessage()
	}
	ev := Event{
		JobID:      j.ID(),
		Module:     j.Module(),
		Bindings:   j.Bindings(),
		Status:     status,
		Message:    msg,
		CompileDir: spec.CompileDir,
		Strategy:   spec.Strategy,
		Time:       time.Now().UTC(),
	}
	if spec.Progress != nil {
		p := *spec.Progress
		ev.Progress = &p
	}
	return ev
}

// Clone returns a deep copy, so callers outside the registry can never
// reach the registry's own snapshot.
func (e Event) Clone() Event {
	out := e
	out.Bindings = maps.Clone(e.Bindings)
	if e.Progress != nil {
		p := *e.Progress
		out.Progress = &p
	}
	return out
}

// BindingString renders the bindings as "k=v,k=v" in key order.
func (e Event) BindingString() string {
	return formatBindings(e.Bindings)
}

func formatBindings(bindings map[string]string) string {
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+bindings[k])
	}
	return strings.Join(parts, ",")
}
