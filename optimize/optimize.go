// Package optimize implements the optimization schedule of a training run:
// Adam with a warmup + inverse-square-root learning-rate schedule, global
// gradient-norm clipping, and non-finite step gating.
//
// Gating means a step whose global gradient norm is non-finite leaves every
// model and optimizer variable untouched; the global step counter still
// advances by one per processed batch, so schedules indexed by it stay in
// lockstep with the data stream. The caller receives a skip flag to count
// and report such steps.
package optimize

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"

	"github.com/gomlx/speakergen/config"
)

// Scope under which the moment and step variables are stored.
const Scope = "adam"

const (
	beta1   = 0.9
	beta2   = 0.999
	epsilon = 1e-8
)

// Schedule is the full optimization schedule. It is stateless; the optimizer
// state (moments, step counters, learning rate) lives in the context.
type Schedule struct {
	// BaseLR is the post-warmup peak learning rate.
	BaseLR float64

	// WarmupSteps of linear warmup; afterwards the rate decays with the
	// inverse square root of the step. 0 keeps BaseLR constant.
	WarmupSteps int

	// ClipGlobalNorm caps the global gradient norm before the update.
	// 0 disables clipping.
	ClipGlobalNorm float64
}

// FromConfig builds the Schedule from the training configuration.
func FromConfig(cfg *config.Config) *Schedule {
	return &Schedule{
		BaseLR:         cfg.Train.LearningRate,
		WarmupSteps:    cfg.Train.WarmupSteps,
		ClipGlobalNorm: cfg.Train.ClipGlobalNorm,
	}
}

// LearningRate at the given global step (1-based: the first processed batch
// sees step 1). Linear warmup to BaseLR over WarmupSteps, then inverse-sqrt
// decay. Exposed for logging and tests; UpdateGraph computes the same value
// in-graph.
func (s *Schedule) LearningRate(step int64) float64 {
	if step < 1 {
		step = 1
	}
	if s.WarmupSteps <= 0 {
		return s.BaseLR
	}
	warmup := float64(s.WarmupSteps)
	return s.BaseLR * math.Min(float64(step)/warmup, math.Sqrt(warmup/float64(step)))
}

// learningRateGraph is LearningRate on the in-graph step node (same dtype
// returned).
func (s *Schedule) learningRateGraph(step *Node) *Node {
	step = Max(step, ScalarOne(step.Graph(), step.DType()))
	if s.WarmupSteps <= 0 {
		return MulScalar(OnesLike(step), s.BaseLR)
	}
	warmup := float64(s.WarmupSteps)
	linear := DivScalar(step, warmup)
	decay := Sqrt(MulScalar(Inverse(step), warmup))
	return MulScalar(Min(linear, decay), s.BaseLR)
}

// UpdateGraph builds one optimizer step into the graph: gradients of loss
// w.r.t. every trainable variable, global-norm clipping, the Adam update,
// and the learning-rate schedule write-back. It returns a scalar bool node
// that is true when the step was skipped because the global gradient norm
// was non-finite.
//
// The global step counter is incremented unconditionally, exactly once per
// call; every other variable update is suppressed on a skipped step.
func (s *Schedule) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) (skipped *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimize: requires a scalar loss, got %s", loss.Shape())
	}
	dtype := loss.DType()

	// TrainingStep counter: +1 per processed batch, even on skipped steps.
	globalStep := optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	// The learning-rate variable tracks the schedule so it checkpoints and
	// logs alongside the model.
	learningRate := s.learningRateGraph(globalStep)
	lrVar := optimizers.LearningRateVar(ctx, dtype, s.BaseLR)
	lrVar.SetValueGraph(learningRate)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("optimize: no trainable variables to optimize")
	}

	// Global gradient norm, used both for clipping and the finiteness gate.
	normSquared := ScalarZero(g, dtype)
	for _, grad := range grads {
		normSquared = Add(normSquared, ReduceAllSum(Square(grad)))
	}
	globalNorm := Sqrt(normSquared)
	finite := IsFinite(globalNorm)
	if s.ClipGlobalNorm > 0 {
		clip := Scalar(g, dtype, s.ClipGlobalNorm)
		scale := Div(clip, Max(globalNorm, clip))
		for ii, grad := range grads {
			grads[ii] = Mul(grad, scale)
		}
	}

	// Adam's own step counter advances only on applied updates, keeping the
	// moment debiasing consistent under skips.
	adamStepVar := ctx.In(Scope).Checked(false).
		WithInitializer(initializers.Zero).
		VariableWithShape("step", loss.Shape()).SetTrainable(false)
	adamStep := gatedAdd1(adamStepVar.ValueGraph(g), finite)
	adamStepVar.SetValueGraph(adamStep)

	beta1Node := Scalar(g, dtype, beta1)
	beta2Node := Scalar(g, dtype, beta2)
	debias1 := Inverse(OneMinus(Pow(beta1Node, adamStep)))
	debias2 := Inverse(OneMinus(Pow(beta2Node, adamStep)))

	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if varIdx >= len(grads) {
			varIdx++
			return
		}
		s.applyAdamGraph(ctx, g, v, grads[varIdx], learningRate, finite,
			beta1Node, debias1, beta2Node, debias2)
		varIdx++
	})
	if varIdx != len(grads) {
		exceptions.Panicf("optimize: gradients were built for %d variables but the update saw %d "+
			"-- were variables created mid-step?", len(grads), varIdx)
	}
	return LogicalNot(finite)
}

// applyAdamGraph updates one trainable variable and its two moments. Every
// write is gated on the step being finite.
func (s *Schedule) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable,
	grad *Node, learningRate, finite, beta1Node, debias1, beta2Node, debias2 *Node) {
	m1Var, m2Var := s.momentVariables(ctx, v)
	moment1 := Add(Mul(beta1Node, m1Var.ValueGraph(g)), Mul(OneMinus(beta1Node), grad))
	moment2 := Add(Mul(beta2Node, m2Var.ValueGraph(g)), Mul(OneMinus(beta2Node), Square(grad)))

	value := v.ValueGraph(g)
	denominator := AddScalar(Sqrt(Mul(moment2, debias2)), epsilon)
	updated := Sub(value, Mul(learningRate, Div(Mul(moment1, debias1), denominator)))

	m1Var.SetValueGraph(Where(finite, moment1, m1Var.ValueGraph(g)))
	m2Var.SetValueGraph(Where(finite, moment2, m2Var.ValueGraph(g)))
	v.SetValueGraph(Where(finite, updated, value))
}

// momentVariables returns (creating on first use) the two Adam moments for
// the given trainable variable, stored under Scope mirroring the variable's
// own scope, the same layout the stock optimizers use.
func (s *Schedule) momentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, Scope, trainable.Scope())
	m1 = ctx.InAbsPath(scopePath).WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_1st_moment", trainable.Shape()).SetTrainable(false)
	m2 = ctx.InAbsPath(scopePath).WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_2nd_moment", trainable.Shape()).SetTrainable(false)
	return
}

// gatedAdd1 returns counter+1 where apply is true, else counter unchanged.
func gatedAdd1(counter, apply *Node) *Node {
	return Add(counter, ConvertDType(apply, counter.DType()))
}
