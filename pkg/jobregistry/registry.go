// Package jobregistry tracks the latest status of every job in the process.
//
// The Registry keeps three views over one event stream: the latest event per
// job id, the ids of active jobs in the order they became active, and the one
// job currently compiling. All three are updated under a single lock, so a
// reader never sees them disagree.
//
// The Store persists the same events to disk as job.json records for
// out-of-process readers (CLI, log viewers).
package jobregistry

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/superdev/pkg/job"
)

// Listener observes every event after the registry applied it. Listeners run
// synchronously on the publishing goroutine, in registration order. A
// listener error is logged and never undoes the event.
type Listener func(ev job.Event) error

// ListenerErrorHook is invoked for each listener failure. Tests and
// diagnostic configurations use it to escalate such failures.
type ListenerErrorHook func(name string, ev job.Event, err error)

type namedListener struct {
	name string
	fn   Listener
}

// Registry is the process-wide index of job events. It implements
// job.Publisher.
type Registry struct {
	logger  *zap.Logger
	onError ListenerErrorHook

	mu        sync.Mutex
	latest    map[string]job.Event
	active    []string
	compiling string

	listenersMu sync.RWMutex
	listeners   []namedListener
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for listener failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithListener registers a listener at construction time.
func WithListener(name string, fn Listener) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, namedListener{name: name, fn: fn})
	}
}

// WithListenerErrorHook escalates listener failures to hook.
func WithListenerErrorHook(hook ListenerErrorHook) Option {
	return func(r *Registry) { r.onError = hook }
}

var _ job.Publisher = (*Registry)(nil)

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger: zap.NewNop(),
		latest: map[string]job.Event{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds a listener for events published from now on.
func (r *Registry) Subscribe(name string, fn Listener) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, namedListener{name: name, fn: fn})
}

// Publish validates ev against the job's current status and applies it.
//
// WAITING is only accepted for an unknown id. Every other status requires the
// job to be active and the transition to be allowed; COMPILING additionally
// requires that no other job is compiling. Violations return a
// *job.StateError and leave the registry unchanged.
func (r *Registry) Publish(ev job.Event) error {
	ev = ev.Clone()
	if ev.JobID == "" {
		return job.StateErrorf("", "publish", "event has no job id")
	}

	if err := r.apply(ev); err != nil {
		return err
	}
	r.notify(ev)
	return nil
}

func (r *Registry) apply(ev job.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.latest[ev.JobID]
	if ev.Status == job.StatusWaiting {
		if known {
			return job.StateErrorf(ev.JobID, "publish waiting", "job is already registered with status %s", prev.Status)
		}
	} else {
		if !known {
			return job.StateErrorf(ev.JobID, "publish "+string(ev.Status), "job was never submitted")
		}
		if !prev.Status.Active() {
			return job.StateErrorf(ev.JobID, "publish "+string(ev.Status), "job is no longer active (status %s)", prev.Status)
		}
		if !allowedTransition(prev.Status, ev.Status) {
			return job.StateErrorf(ev.JobID, "publish "+string(ev.Status), "disallowed transition %s -> %s", prev.Status, ev.Status)
		}
	}
	if ev.Status == job.StatusCompiling && r.compiling != "" && r.compiling != ev.JobID {
		return job.StateErrorf(ev.JobID, "publish compiling", "job %s is already compiling", r.compiling)
	}

	r.latest[ev.JobID] = ev

	if ev.Status.Active() {
		if !known || !prev.Status.Active() {
			r.active = append(r.active, ev.JobID)
		}
	} else if i := slices.Index(r.active, ev.JobID); i >= 0 {
		r.active = slices.Delete(r.active, i, i+1)
	}

	switch {
	case ev.Status == job.StatusCompiling:
		r.compiling = ev.JobID
	case r.compiling == ev.JobID:
		r.compiling = ""
	}
	return nil
}

func allowedTransition(from, to job.Status) bool {
	switch from {
	case job.StatusWaiting:
		return to == job.StatusCompiling || to == job.StatusError
	case job.StatusCompiling:
		return to == job.StatusCompiling || to == job.StatusServing || to == job.StatusError || to == job.StatusGone
	case job.StatusServing:
		return to == job.StatusGone
	default:
		return false
	}
}

func (r *Registry) notify(ev job.Event) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		if err := l.fn(ev.Clone()); err != nil {
			r.logger.Warn("Job event listener failed",
				zap.String("listener", l.name),
				zap.String("job_id", ev.JobID),
				zap.String("module", ev.Module),
				zap.String("status", string(ev.Status)),
				zap.Error(err))
			if r.onError != nil {
				r.onError(l.name, ev.Clone(), err)
			}
		}
	}
}

// Get returns the latest event for a job id.
func (r *Registry) Get(jobID string) (job.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.latest[jobID]
	if !ok {
		return job.Event{}, false
	}
	return ev.Clone(), true
}

// IsActive reports whether the job's latest status is active.
func (r *Registry) IsActive(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.latest[jobID]
	return ok && ev.Status.Active()
}

// ActiveIDs returns active job ids in the order they became active.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.active)
}

// ActiveEvents returns the latest events of active jobs, in ActiveIDs order.
func (r *Registry) ActiveEvents() []job.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]job.Event, 0, len(r.active))
	for _, id := range r.active {
		out = append(out, r.latest[id].Clone())
	}
	return out
}

// Compiling returns the event of the job currently compiling, if any.
func (r *Registry) Compiling() (job.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compiling == "" {
		return job.Event{}, false
	}
	return r.latest[r.compiling].Clone(), true
}

// Len returns the number of known jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.latest)
}
