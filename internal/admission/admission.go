// Package admission decides, once per task session, whether a worker may
// start a task. A worker that already started the task (or, for a task run
// once per rating scale, any of its scales) is blocked.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/crowdgate/internal/blob"
	"github.com/celerix-dev/crowdgate/internal/metrics"
	"github.com/celerix-dev/crowdgate/pkg/schema"
)

// Document names under <task>/<batch>/Task/.
const (
	RegistryFile = "workers.json"
	SettingsFile = "settings.json"
)

// ErrAssignedScale is returned for a multi-scale task whose assigned scale
// is missing or not one of its scales.
var ErrAssignedScale = errors.New("assigned scale is not one of the task scales")

// State is where a worker's admission check stands.
type State int

const (
	Unchecked State = iota
	Checking
	Allowed
	Blocked
	// Indeterminate means the registry could not be read or written. The
	// worker can be neither admitted nor refused; Check may be called again.
	Indeterminate
)

func (s State) String() string {
	switch s {
	case Unchecked:
		return "UNCHECKED"
	case Checking:
		return "CHECKING"
	case Allowed:
		return "ALLOWED"
	case Blocked:
		return "BLOCKED"
	case Indeterminate:
		return "INDETERMINATE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is a cached final decision.
func (s State) Terminal() bool {
	return s == Allowed || s == Blocked
}

// Task identifies the task instance a worker wants to start. With Scales
// set, one task instance exists per scale, named after the scale.
type Task struct {
	Name          string
	Batch         string
	Scales        []string
	AssignedScale string
}

// MultiScale reports whether the task runs once per rating scale.
func (t Task) MultiScale() bool {
	return len(t.Scales) > 0
}

// RegistryPath returns where the registry for the named task instance lives.
func RegistryPath(task, batch string) string {
	return blob.TaskPath(task, batch, RegistryFile)
}

// LoadSettings reads the task settings document. A missing document yields
// empty settings.
func LoadSettings(ctx context.Context, b blob.Store, task, batch string) (schema.TaskSettings, error) {
	s, err := blob.GetJSON[schema.TaskSettings](ctx, b, blob.TaskPath(task, batch, SettingsFile))
	if errors.Is(err, blob.ErrNotFound) {
		return schema.TaskSettings{}, nil
	}
	return s, err
}

// Resolve fills the scales of t from its settings document when t leaves
// them unset.
func Resolve(ctx context.Context, b blob.Store, t Task) (Task, error) {
	if len(t.Scales) > 0 {
		return t, nil
	}
	s, err := LoadSettings(ctx, b, t.Name, t.Batch)
	if err != nil {
		return t, err
	}
	t.Scales = s.Scales
	if t.AssignedScale == "" {
		t.AssignedScale = s.AssignedScale
	}
	return t, nil
}

// Machine is the admission state machine of one worker session.
type Machine struct {
	blobs   blob.Store
	task    Task
	worker  string
	log     logr.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in the Unchecked state. m may be nil.
func NewMachine(b blob.Store, task Task, worker string, log logr.Logger, m *metrics.Metrics) *Machine {
	return &Machine{
		blobs:   b,
		task:    task,
		worker:  worker,
		log:     log.WithName("admission").WithValues("task", task.Name, "batch", task.Batch, "worker", worker),
		metrics: m,
		tracer:  otel.Tracer("github.com/celerix-dev/crowdgate/internal/admission"),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check runs the worker status check. Allowed and Blocked are final and
// returned from memory on later calls. Indeterminate comes with the error
// that caused it.
func (m *Machine) Check(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return m.state, nil
	}
	if m.worker == "" {
		return Unchecked, fmt.Errorf("admission check needs a worker identity")
	}

	ctx, span := m.tracer.Start(ctx, "admission.Check", trace.WithAttributes(
		attribute.String("task", m.task.Name),
		attribute.String("identifier", m.worker),
		attribute.Bool("multi_scale", m.task.MultiScale()),
	))
	defer span.End()

	m.state = Checking
	var (
		next State
		err  error
	)
	if m.task.MultiScale() {
		next, err = m.checkScales(ctx)
	} else {
		next, err = m.checkOne(ctx, m.task.Name)
	}
	if err != nil {
		next = Indeterminate
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.log.Error(err, "worker status check failed")
	} else {
		m.log.Info("worker status checked", "state", next.String())
	}
	span.SetAttributes(attribute.String("state", next.String()))
	m.metrics.Admission(next.String())

	if next == Indeterminate {
		m.state = Unchecked
	} else {
		m.state = next
	}
	return next, err
}

func (m *Machine) checkOne(ctx context.Context, task string) (State, error) {
	reg, err := m.download(ctx, task)
	if err != nil {
		return Indeterminate, err
	}
	if reg.Has(m.worker) {
		return Blocked, nil
	}
	return m.register(ctx, task, reg)
}

func (m *Machine) checkScales(ctx context.Context) (State, error) {
	if !contains(m.task.Scales, m.task.AssignedScale) {
		return Indeterminate, fmt.Errorf("%w: %q", ErrAssignedScale, m.task.AssignedScale)
	}
	var assigned schema.Registry
	for _, scale := range m.task.Scales {
		reg, err := m.download(ctx, scale)
		if err != nil {
			return Indeterminate, err
		}
		if reg.Has(m.worker) {
			m.log.V(1).Info("worker already started a scale", "scale", scale)
			return Blocked, nil
		}
		if scale == m.task.AssignedScale {
			assigned = reg
		}
	}
	return m.register(ctx, m.task.AssignedScale, assigned)
}

func (m *Machine) download(ctx context.Context, task string) (schema.Registry, error) {
	reg, err := blob.GetJSON[schema.Registry](ctx, m.blobs, RegistryPath(task, m.task.Batch))
	if errors.Is(err, blob.ErrNotFound) {
		return schema.Registry{Started: []string{}}, nil
	}
	if err != nil {
		return schema.Registry{}, fmt.Errorf("download worker registry of %s: %w", task, err)
	}
	return reg, nil
}

// register appends the worker and writes back the whole document. The
// read-append-write is not atomic across sessions; two workers registering
// at once can drop one entry.
func (m *Machine) register(ctx context.Context, task string, reg schema.Registry) (State, error) {
	reg.Started = append(reg.Started, m.worker)
	if err := blob.PutJSON(ctx, m.blobs, RegistryPath(task, m.task.Batch), reg); err != nil {
		return Indeterminate, fmt.Errorf("upload worker registry of %s: %w", task, err)
	}
	return Allowed, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
