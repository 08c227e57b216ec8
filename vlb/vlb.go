// Package vlb composes the variational lower bound objective: a
// length-masked mel reconstruction term plus a KL term between the speaker
// posterior and its prior, weighted by an annealing schedule.
//
// Both terms are averaged over valid (non-padding) elements only, so the
// loss magnitude does not depend on how much padding a batch carries.
package vlb

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/speakergen/config"
)

// Objective holds the KL annealing schedule parameters. It is immutable.
type Objective struct {
	// KLStart is the KL weight at step 0.
	KLStart float64

	// KLTarget is the final KL weight; the schedule is clamped here.
	KLTarget float64

	// KLAnnealSteps is the number of steps over which the weight grows
	// linearly from KLStart to KLTarget. 0 means the target applies from
	// the first step.
	KLAnnealSteps int
}

// FromConfig builds the Objective from the training configuration.
func FromConfig(cfg *config.Config) *Objective {
	return &Objective{
		KLStart:       cfg.Train.KLWeightStart,
		KLTarget:      cfg.Train.KLWeightTarget,
		KLAnnealSteps: cfg.Train.KLAnnealSteps,
	}
}

// Weight is the KL weight at the given global step: linear from KLStart to
// KLTarget over KLAnnealSteps, clamped at the target afterwards. It is
// monotone non-decreasing in step.
func (o *Objective) Weight(step int64) float64 {
	if o.KLAnnealSteps <= 0 || step >= int64(o.KLAnnealSteps) {
		return o.KLTarget
	}
	if step < 0 {
		step = 0
	}
	frac := float64(step) / float64(o.KLAnnealSteps)
	return o.KLStart + (o.KLTarget-o.KLStart)*frac
}

// WeightGraph is Weight computed in-graph from the global step node
// (any integer or float dtype), returned as a scalar of the given dtype.
func (o *Objective) WeightGraph(step *Node, dtype dtypes.DType) *Node {
	g := step.Graph()
	step = ConvertDType(step, dtype)
	if o.KLAnnealSteps <= 0 {
		return Scalar(g, dtype, o.KLTarget)
	}
	frac := DivScalar(step, float64(o.KLAnnealSteps))
	frac = ClipScalar(frac, 0, 1)
	return AddScalar(MulScalar(frac, o.KLTarget-o.KLStart), o.KLStart)
}

// Terms is the decomposed loss of one batch. All nodes are scalars.
type Terms struct {
	// Total = Recon + KLWeight*KL; the value optimized.
	Total *Node

	// Recon is the length-masked mean absolute error over mel frames.
	Recon *Node

	// KL is the posterior/prior KL divergence (batch mean).
	KL *Node

	// KLWeight is the schedule weight applied at this step.
	KLWeight *Node
}

// ReconstructionLoss is the mean absolute error between predicted and
// target mel frames, masked by melLens: frames at or beyond a sample's
// length contribute nothing, and the mean is taken over valid elements
// only. predicted and target are [batchSize, melLen, melBins]; melLens is
// [batchSize] integer.
//
// A shape disagreement between predicted and target is a programming
// contract violation and panics.
func ReconstructionLoss(predicted, target, melLens *Node) *Node {
	if !predicted.Shape().Equal(target.Shape()) {
		exceptions.Panicf("vlb: predicted mel shape %s does not match target shape %s",
			predicted.Shape(), target.Shape())
	}
	if predicted.Rank() != 3 {
		exceptions.Panicf("vlb: mel tensors must be rank-3 [batch, frames, bins], got %s",
			predicted.Shape())
	}
	g := predicted.Graph()
	dtype := predicted.DType()
	batchSize := predicted.Shape().Dimensions[0]
	melLen := predicted.Shape().Dimensions[1]
	melBins := predicted.Shape().Dimensions[2]

	// mask: [batchSize, melLen], 1 for valid frames.
	framePos := Iota(g, shapes.Make(melLens.DType(), batchSize, melLen), 1)
	mask := ConvertDType(LessThan(framePos, ExpandAxes(melLens, -1)), dtype)

	absErr := Abs(Sub(predicted, target))
	absErr = Mul(absErr, ExpandAxes(mask, -1))

	validFrames := ReduceAllSum(mask)
	validElems := MulScalar(validFrames, float64(melBins))
	return Div(ReduceAllSum(absErr), validElems)
}

// Loss composes the full objective for one batch. step is the global step
// node (pre-increment, starting at 0), kl the scalar KL term from the
// speaker bank.
func (o *Objective) Loss(step, predicted, target, melLens, kl *Node) Terms {
	recon := ReconstructionLoss(predicted, target, melLens)
	klWeight := o.WeightGraph(step, recon.DType())
	return Terms{
		Total:    Add(recon, Mul(klWeight, kl)),
		Recon:    recon,
		KL:       kl,
		KLWeight: klWeight,
	}
}
