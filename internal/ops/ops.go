// Package ops hosts custom kernels: it resolves named input tensors, checks
// them against the op's declared ports, allocates the output to the input's
// exact shape and surfaces kernel errors to the caller.
package ops

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-groupnorm/internal/cpu"
	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
	"github.com/23skdu/longbow-groupnorm/internal/logger"
	"github.com/23skdu/longbow-groupnorm/internal/metrics"
)

var (
	ErrUnknownOp  = errors.New("ops: unknown op")
	ErrDuplicate  = errors.New("ops: op already registered")
	ErrBadWiring  = errors.New("ops: input wiring does not match descriptor")
	ErrOutputSize = errors.New("ops: output shape does not match input")
)

// Kernel computes an op's single output from its positional inputs.
type Kernel interface {
	Compute(inputs []*cpu.Tensor, output *cpu.Tensor) error
}

// CustomOp pairs a static descriptor with a kernel factory.
type CustomOp struct {
	Descriptor   groupnorm.Descriptor
	CreateKernel func(cfg groupnorm.Config) (Kernel, error)
}

// Domain is a named set of custom ops.
type Domain struct {
	name string
	mu   sync.RWMutex
	ops  map[string]CustomOp
}

func NewDomain(name string) *Domain {
	return &Domain{name: name, ops: make(map[string]CustomOp)}
}

func (d *Domain) Name() string { return d.name }

func (d *Domain) Add(op CustomOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ops[op.Descriptor.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, op.Descriptor.Name)
	}
	d.ops[op.Descriptor.Name] = op
	return nil
}

func (d *Domain) Lookup(name string) (CustomOp, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.ops[name]
	if !ok {
		return CustomOp{}, fmt.Errorf("%w: %s/%s", ErrUnknownOp, d.name, name)
	}
	return op, nil
}

// Names lists registered op names in sorted order.
func (d *Domain) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.ops))
	for n := range d.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Observer is notified after every Run.
type Observer interface {
	ObserveInvocation(op string, d time.Duration, err error)
}

// Options configure a Session.
type Options struct {
	Kernel groupnorm.Config

	// CheckNumerics scans each output for NaN/Inf and records metrics.
	CheckNumerics bool
	Observer      Observer
}

// Session is one constructed kernel bound to its descriptor.
type Session struct {
	desc   groupnorm.Descriptor
	kernel Kernel
	ctx    *cpu.Context
	opts   Options
	log    *logger.Logger
}

// NewSession looks up opName in d and constructs its kernel once.
func NewSession(d *Domain, opName string, ctx *cpu.Context, opts Options) (*Session, error) {
	op, err := d.Lookup(opName)
	if err != nil {
		return nil, err
	}
	k, err := op.CreateKernel(opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("create kernel %s: %w", opName, err)
	}
	if ctx == nil {
		ctx = cpu.NewContext()
	}
	return &Session{
		desc:   op.Descriptor,
		kernel: k,
		ctx:    ctx,
		opts:   opts,
		log:    logger.Log.With("op", opName, "domain", d.Name()),
	}, nil
}

func (s *Session) Descriptor() groupnorm.Descriptor { return s.desc }

// resolve orders inputs by the descriptor's ports.
func (s *Session) resolve(inputs map[string]*cpu.Tensor) ([]*cpu.Tensor, error) {
	if len(inputs) != s.desc.InputTypeCount() {
		return nil, fmt.Errorf("%w: %s takes %d inputs, got %d",
			ErrBadWiring, s.desc.Name, s.desc.InputTypeCount(), len(inputs))
	}
	ordered := make([]*cpu.Tensor, len(s.desc.Inputs))
	for i, p := range s.desc.Inputs {
		t, ok := inputs[p.Name]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: missing input %q", ErrBadWiring, p.Name)
		}
		ordered[i] = t
	}
	return ordered, nil
}

// Run allocates the output from the session's context and computes it. The
// caller owns the returned tensor and may hand it back with Release.
func (s *Session) Run(inputs map[string]*cpu.Tensor) (*cpu.Tensor, error) {
	ordered, err := s.resolve(inputs)
	if err != nil {
		metrics.RecordValidationError(s.desc.Name, "wiring")
		return nil, err
	}
	out, err := s.ctx.NewTensor(ordered[0].Shape())
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", groupnorm.OutputY, err)
	}
	if err := s.compute(ordered, out); err != nil {
		s.ctx.PutTensor(out)
		return nil, err
	}
	return out, nil
}

// RunInto computes into a caller-provided output of the input's exact shape.
func (s *Session) RunInto(inputs map[string]*cpu.Tensor, out *cpu.Tensor) error {
	ordered, err := s.resolve(inputs)
	if err != nil {
		metrics.RecordValidationError(s.desc.Name, "wiring")
		return err
	}
	if out == nil || !out.SameShape(ordered[0]) {
		metrics.RecordValidationError(s.desc.Name, "output_shape")
		return ErrOutputSize
	}
	return s.compute(ordered, out)
}

// Release returns an output obtained from Run to the pool.
func (s *Session) Release(t *cpu.Tensor) {
	s.ctx.PutTensor(t)
}

func (s *Session) compute(ordered []*cpu.Tensor, out *cpu.Tensor) error {
	start := time.Now()
	err := s.kernel.Compute(ordered, out)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveInvocation(s.desc.Name, time.Since(start), err)
	}
	if err != nil {
		s.log.Debug("run failed", "error", err)
		return fmt.Errorf("run %s: %w", s.desc.Name, err)
	}
	if s.opts.CheckNumerics {
		nan, inf := cpu.CheckNumericalStability(out.Data())
		if nan > 0 || inf > 0 {
			metrics.RecordNumericalInstability(groupnorm.OutputY, nan, inf)
			s.log.Warn("non-finite output", "nan", nan, "inf", inf)
		}
	}
	return nil
}
