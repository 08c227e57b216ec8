package optimize

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestLearningRate(t *testing.T) {
	s := &Schedule{BaseLR: 1e-3, WarmupSteps: 100}

	// Linear warmup.
	assert.InDelta(t, 1e-5, s.LearningRate(1), 1e-12)
	assert.InDelta(t, 5e-4, s.LearningRate(50), 1e-12)
	assert.InDelta(t, 1e-3, s.LearningRate(100), 1e-12)

	// Inverse-sqrt decay afterwards.
	assert.InDelta(t, 1e-3*math.Sqrt(100.0/400.0), s.LearningRate(400), 1e-12)

	// Never increases after the peak.
	prev := s.LearningRate(100)
	for step := int64(101); step < 1000; step += 37 {
		lr := s.LearningRate(step)
		require.LessOrEqual(t, lr, prev, "learning rate increased at step %d", step)
		prev = lr
	}

	// No warmup: constant.
	s.WarmupSteps = 0
	assert.Equal(t, 1e-3, s.LearningRate(1))
	assert.Equal(t, 1e-3, s.LearningRate(100000))
}

// stepExec compiles a training step whose gradient for the weight variable
// is exactly the input, so the test can force finite or non-finite gradients
// at will.
func stepExec(backend backends.Backend, ctx *context.Context, s *Schedule) *context.Exec {
	return context.NewExec(backend, ctx,
		func(ctx *context.Context, input *Node) (loss, skipped *Node) {
			w := ctx.In("model").VariableWithValue("w", []float32{1, 2, 3})
			loss = ReduceAllSum(Mul(w.ValueGraph(input.Graph()), input))
			skippedBool := s.UpdateGraph(ctx, input.Graph(), loss)
			return loss, ConvertDType(skippedBool, loss.DType())
		})
}

func TestNonFiniteStepIsSkipped(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	s := &Schedule{BaseLR: 0.1, WarmupSteps: 0, ClipGlobalNorm: 1.0}
	exec := stepExec(backend, ctx, s)
	// Build (but do not run) the graph so the variables exist up front.
	exec.PreCompile([]float32{1, 1, 1})

	weight := func() []float32 {
		v := ctx.GetVariableByScopeAndName("/model", "w")
		require.NotNil(t, v)
		return v.Value().Value().([]float32)
	}

	// A finite step moves the weights.
	before := weight()
	results := exec.Call([]float32{1, 1, 1})
	assert.Zero(t, results[1].Value().(float32), "finite step reported as skipped")
	afterFinite := weight()
	assert.NotEqual(t, before, afterFinite)
	assert.EqualValues(t, 1, optimizers.GetGlobalStep(ctx))

	// A non-finite gradient leaves every variable bit-identical, but still
	// counts the step and reports the skip.
	results = exec.Call([]float32{1, float32(math.Inf(1)), 1})
	assert.EqualValues(t, 1, results[1].Value().(float32), "non-finite step not reported")
	assert.Equal(t, afterFinite, weight(), "skipped step changed the weights")
	assert.EqualValues(t, 2, optimizers.GetGlobalStep(ctx))

	m1 := ctx.GetVariableByScopeAndName("/adam/model", "w_1st_moment")
	require.NotNil(t, m1)
	momentAfterSkip := m1.Value().Value().([]float32)

	// Training continues normally afterwards.
	results = exec.Call([]float32{1, 1, 1})
	assert.Zero(t, results[1].Value().(float32))
	assert.NotEqual(t, afterFinite, weight())
	assert.NotEqual(t, momentAfterSkip, m1.Value().Value().([]float32))
	assert.EqualValues(t, 3, optimizers.GetGlobalStep(ctx))
}

func TestGlobalNormClipping(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()

	// With clipping at 1 and a huge gradient, one step at lr moves each
	// weight by at most ~lr (Adam normalizes per-parameter, so just check
	// the update stayed bounded instead of exploding).
	s := &Schedule{BaseLR: 0.1, WarmupSteps: 0, ClipGlobalNorm: 1.0}
	exec := stepExec(backend, ctx, s)
	exec.Call([]float32{1e20, 1e20, 1e20})

	v := ctx.GetVariableByScopeAndName("/model", "w")
	require.NotNil(t, v)
	got := v.Value().Value().([]float32)
	for ii, want := range []float32{1, 2, 3} {
		assert.InDelta(t, want, got[ii], 0.2, "weight %d moved too far under clipping", ii)
		assert.False(t, math.IsNaN(float64(got[ii])))
	}
}
