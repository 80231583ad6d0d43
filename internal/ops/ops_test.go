package ops

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-groupnorm/internal/cpu"
	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
)

func scenarioInputs(t *testing.T) map[string]*cpu.Tensor {
	t.Helper()
	x, err := cpu.FromData([]int64{3, 2, 1, 2}, []float32{
		1.5410, -0.2934, -2.1788, 0.5684, -1.0845, -1.3986,
		0.4033, 0.8380, -0.7193, -0.4033, -0.5966, 0.1820,
	})
	require.NoError(t, err)
	scale, err := cpu.FromData([]int64{2}, []float32{2, 1})
	require.NoError(t, err)
	bias, err := cpu.FromData([]int64{2}, []float32{1, 0})
	require.NoError(t, err)

	return map[string]*cpu.Tensor{
		groupnorm.InputX:         x,
		groupnorm.InputNumGroups: cpu.Scalar(2),
		groupnorm.InputScale:     scale,
		groupnorm.InputBias:      bias,
	}
}

var scenarioWant = []float32{3.0000, -1.0000, -1.0000, 1.0000, 2.9996, -0.9996, -0.9999, 0.9999, -0.9996, 2.9996, -1.0000, 1.0000}

type recordingObserver struct {
	mu    sync.Mutex
	calls int
	errs  int
}

func (r *recordingObserver) ObserveInvocation(op string, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err != nil {
		r.errs++
	}
}

func TestDomainRegistry(t *testing.T) {
	d := NewDomain(DefaultDomain)
	require.NoError(t, d.Add(GroupNorm()))

	err := d.Add(GroupNorm())
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = d.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownOp)

	op, err := d.Lookup(groupnorm.OpName)
	require.NoError(t, err)
	assert.Equal(t, 4, op.Descriptor.InputTypeCount())
	assert.Equal(t, 1, op.Descriptor.OutputTypeCount())
	assert.Equal(t, []string{groupnorm.OpName}, d.Names())
}

func TestNewSessionRequiresEpsilon(t *testing.T) {
	_, err := NewGroupNormSession(nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, groupnorm.ErrConfiguration)
}

func TestSessionRunScenario(t *testing.T) {
	obs := &recordingObserver{}
	ctx := cpu.NewContext()
	defer ctx.Free()

	s, err := NewGroupNormSession(ctx, Options{
		Kernel:        groupnorm.Config{Epsilon: 1e-5},
		CheckNumerics: true,
		Observer:      obs,
	})
	require.NoError(t, err)

	inputs := scenarioInputs(t)
	y, err := s.Run(inputs)
	require.NoError(t, err)
	assert.Equal(t, inputs[groupnorm.InputX].Shape(), y.Shape())
	require.Len(t, y.Data(), len(scenarioWant))
	for i, want := range scenarioWant {
		assert.InDelta(t, want, y.Data()[i], 1e-3, "y[%d]", i)
	}

	s.Release(y)
	assert.Equal(t, 1, ctx.Pooled())

	// A second run reuses the pooled buffer and must overwrite it fully.
	y2, err := s.Run(inputs)
	require.NoError(t, err)
	assert.Same(t, y, y2)
	for i, want := range scenarioWant {
		assert.InDelta(t, want, y2.Data()[i], 1e-3, "y2[%d]", i)
	}
	assert.Equal(t, 2, obs.calls)
	assert.Equal(t, 0, obs.errs)
}

func TestSessionRunIntoPreallocated(t *testing.T) {
	s, err := NewGroupNormSession(nil, Options{Kernel: groupnorm.Config{Epsilon: 1e-5}})
	require.NoError(t, err)

	inputs := scenarioInputs(t)
	out, err := cpu.FromData([]int64{3, 2, 1, 2}, make([]float32, 12))
	require.NoError(t, err)

	for run := 0; run < 2; run++ {
		require.NoError(t, s.RunInto(inputs, out))
		for i, want := range scenarioWant {
			assert.InDelta(t, want, out.Data()[i], 1e-3)
		}
	}

	wrong, _ := cpu.FromData([]int64{3, 4}, make([]float32, 12))
	assert.ErrorIs(t, s.RunInto(inputs, wrong), ErrOutputSize)
	assert.ErrorIs(t, s.RunInto(inputs, nil), ErrOutputSize)
}

func TestSessionWiringErrors(t *testing.T) {
	s, err := NewGroupNormSession(nil, Options{Kernel: groupnorm.Config{Epsilon: 1e-5}})
	require.NoError(t, err)

	inputs := scenarioInputs(t)
	delete(inputs, groupnorm.InputBias)
	_, err = s.Run(inputs)
	assert.ErrorIs(t, err, ErrBadWiring)

	inputs = scenarioInputs(t)
	inputs["extra"] = cpu.Scalar(1)
	_, err = s.Run(inputs)
	assert.ErrorIs(t, err, ErrBadWiring)

	inputs = scenarioInputs(t)
	inputs["B"] = inputs[groupnorm.InputBias]
	delete(inputs, groupnorm.InputBias)
	_, err = s.Run(inputs)
	assert.ErrorIs(t, err, ErrBadWiring)
}

// Graph inputs named as the reference session wires them.
func TestSessionRunsReferenceWiring(t *testing.T) {
	s, err := NewGroupNormSession(nil, Options{Kernel: groupnorm.Config{Epsilon: 1e-5}})
	require.NoError(t, err)

	x, err := cpu.FromData([]int64{3, 2, 1, 2}, []float32{
		1.5410, -0.2934, -2.1788, 0.5684, -1.0845, -1.3986,
		0.4033, 0.8380, -0.7193, -0.4033, -0.5966, 0.1820,
	})
	require.NoError(t, err)
	scale, _ := cpu.FromData([]int64{2}, []float32{2, 1})
	bias, _ := cpu.FromData([]int64{2}, []float32{1, 0})

	y, err := s.Run(map[string]*cpu.Tensor{
		"X":          x,
		"num_groups": cpu.Scalar(2),
		"scale":      scale,
		"bias":       bias,
	})
	require.NoError(t, err)
	for i, want := range scenarioWant {
		assert.InDelta(t, want, y.Data()[i], 1e-3, "y[%d]", i)
	}
}

func TestSessionShapeMismatch(t *testing.T) {
	obs := &recordingObserver{}
	s, err := NewGroupNormSession(nil, Options{
		Kernel:   groupnorm.Config{Epsilon: 1e-5},
		Observer: obs,
	})
	require.NoError(t, err)

	inputs := scenarioInputs(t)
	inputs[groupnorm.InputNumGroups] = cpu.Scalar(3)
	_, err = s.Run(inputs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, groupnorm.ErrShapeMismatch), "got %v", err)

	inputs = scenarioInputs(t)
	two, _ := cpu.FromData([]int64{2}, []float32{2, 2})
	inputs[groupnorm.InputNumGroups] = two
	_, err = s.Run(inputs)
	var se *groupnorm.ShapeMismatchError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Msg, groupnorm.InputNumGroups)

	assert.Equal(t, 2, obs.errs)
}

func TestSessionCheckNumerics(t *testing.T) {
	s, err := NewGroupNormSession(nil, Options{
		Kernel:        groupnorm.Config{Epsilon: 1e-5},
		CheckNumerics: true,
	})
	require.NoError(t, err)

	inputs := scenarioInputs(t)
	x := inputs[groupnorm.InputX].Data()
	x[0] = float32(math.NaN())

	y, err := s.Run(inputs)
	require.NoError(t, err, "non-finite input is not a shape error")
	assert.True(t, math.IsNaN(float64(y.Data()[0])))
	// Groups without NaN stay finite.
	assert.False(t, math.IsNaN(float64(y.Data()[2])))
}

func TestSessionConcurrentRuns(t *testing.T) {
	s, err := NewGroupNormSession(nil, Options{Kernel: groupnorm.Config{Epsilon: 1e-5}})
	require.NoError(t, err)

	inputs := scenarioInputs(t)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			y, err := s.Run(inputs)
			if err != nil {
				errs <- err
				return
			}
			for j, want := range scenarioWant {
				if math.Abs(float64(y.Data()[j]-want)) > 1e-3 {
					errs <- errors.New("mismatched output under concurrency")
					return
				}
			}
			s.Release(y)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
