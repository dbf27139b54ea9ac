package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownModule is returned when no outbox serves a module.
var ErrUnknownModule = errors.New("unknown module")

// Table holds the outboxes of all configured modules in configuration order.
type Table struct {
	mu       sync.RWMutex
	order    []*Outbox
	byModule map[string]*Outbox
}

// NewTable returns a table holding outboxes.
func NewTable(outboxes ...*Outbox) (*Table, error) {
	t := &Table{byModule: map[string]*Outbox{}}
	for _, o := range outboxes {
		if err := t.Add(o); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add registers o. Module names must be unique.
func (t *Table) Add(o *Outbox) error {
	if o == nil {
		return fmt.Errorf("outbox is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byModule == nil {
		t.byModule = map[string]*Outbox{}
	}
	if _, ok := t.byModule[o.Module()]; ok {
		return fmt.Errorf("duplicate module %q", o.Module())
	}
	t.byModule[o.Module()] = o
	t.order = append(t.order, o)
	return nil
}

// Lookup returns the outbox of module.
func (t *Table) Lookup(module string) (*Outbox, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.byModule[module]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}
	return o, nil
}

// All returns the outboxes in configuration order.
func (t *Table) All() []*Outbox {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Outbox, len(t.order))
	copy(out, t.order)
	return out
}

// ForceNextRecompileAll forces a full compile on every module's next job.
func (t *Table) ForceNextRecompileAll() {
	for _, o := range t.All() {
		o.ForceNextRecompile()
	}
}

// Initialize prepares every outbox in order. Failures are collected so one
// bad module does not keep the others from serving.
func (t *Table) Initialize(ctx context.Context, p Precompiler) error {
	var errs []error
	for _, o := range t.All() {
		if err := o.Initialize(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
