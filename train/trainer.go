package train

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/speakergen/config"
	"github.com/gomlx/speakergen/nat"
	"github.com/gomlx/speakergen/optimize"
	"github.com/gomlx/speakergen/speaker"
	"github.com/gomlx/speakergen/vlb"
)

// Metrics of one training step.
type Metrics struct {
	// GlobalStep after the step (1-based: the first step reports 1).
	GlobalStep int64

	// Loss = Recon + KLWeight*KL, the optimized scalar.
	Loss float64

	// Recon is the masked mel reconstruction term.
	Recon float64

	// KL is the speaker posterior/prior divergence term.
	KL float64

	// KLWeight applied at this step.
	KLWeight float64

	// LearningRate applied at this step.
	LearningRate float64

	// Skipped is true when the step's gradients were non-finite and every
	// variable update was suppressed. The step still counts.
	Skipped bool
}

// Trainer owns the compiled training-step graph: synthesis forward pass,
// speaker sampling, variational objective and optimizer update, fused into
// one executable. The trainable state lives in the context.
type Trainer struct {
	ctx       *context.Context
	cfg       *config.Config
	model     *nat.Model
	bank      *speaker.Bank
	objective *vlb.Objective
	schedule  *optimize.Schedule
	exec      *context.Exec
}

// NewTrainer builds the Trainer over ctx. Variables are created (or restored
// through the context's loader) on the first Step call.
func NewTrainer(backend backends.Backend, ctx *context.Context, cfg *config.Config) *Trainer {
	t := &Trainer{
		ctx:       ctx,
		cfg:       cfg,
		model:     nat.New(cfg),
		bank:      speaker.New(cfg.Data.NumSpeakers, cfg.Model.SpeakerDim),
		objective: vlb.FromConfig(cfg),
		schedule:  optimize.FromConfig(cfg),
	}
	t.exec = context.NewExec(backend, ctx, t.stepGraph)
	return t
}

// stepGraph builds one full training step. Outputs: total, recon, kl,
// klWeight, skipped (0/1), all scalars of the mel dtype.
func (t *Trainer) stepGraph(ctx *context.Context, tokens, tokenLens, mels, melLens, speakerIDs *Node) []*Node {
	g := tokens.Graph()
	ctx.SetTraining(g, true)
	dtype := mels.DType()
	melFrames := mels.Shape().Dimensions[1]

	z, kl := t.bank.Sample(ctx, speakerIDs, dtype)
	out := t.model.Forward(ctx, tokens, tokenLens, z, melLens, melFrames)

	// The objective reads the pre-increment step (0-based), the optimizer
	// advances it.
	step := optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
	terms := t.objective.Loss(step, out.Mel, mels, melLens, kl)
	skipped := t.schedule.UpdateGraph(ctx, g, terms.Total)

	return []*Node{
		terms.Total, terms.Recon, terms.KL, terms.KLWeight,
		ConvertDType(skipped, dtype),
	}
}

// Step runs one training step over the batch (tensors indexed by the Batch*
// constants). Graph-building contract violations (shape mismatches) are
// returned as errors rather than panicking through the loop.
func (t *Trainer) Step(batch []*tensors.Tensor) (m Metrics, err error) {
	if len(batch) != BatchNumTensors {
		return m, errors.Errorf("training step needs %d batch tensors, got %d",
			BatchNumTensors, len(batch))
	}
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		results = t.exec.Call(
			batch[BatchTokens], batch[BatchTokenLens],
			batch[BatchMels], batch[BatchMelLens], batch[BatchSpeakerIDs])
	})
	if err != nil {
		return m, errors.WithMessagef(err, "training step failed")
	}
	m.GlobalStep = optimizers.GetGlobalStep(t.ctx)
	m.Loss = scalarFloat(results[0])
	m.Recon = scalarFloat(results[1])
	m.KL = scalarFloat(results[2])
	m.KLWeight = scalarFloat(results[3])
	m.Skipped = scalarFloat(results[4]) != 0
	m.LearningRate = t.schedule.LearningRate(m.GlobalStep)
	return m, nil
}

// Context holding the trainable state.
func (t *Trainer) Context() *context.Context { return t.ctx }

func scalarFloat(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		exceptions.Panicf("expected float scalar metric, got %s", t.Shape())
		return 0
	}
}
