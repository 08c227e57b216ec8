package nat

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// upsample expands the text-rate encodings to frame rate with a Gaussian
// upsampler: a small network predicts a log-duration and a range (Gaussian
// width) per token, durations are re-scaled so they sum to the target length,
// and each output frame attends to the tokens with Gaussian weights centered
// on the cumulative durations.
//
// encodings is [batch, seqLen, channels], textMask [batch, seqLen] bool,
// reducedLens [batch] float (target lengths at the reduced frame rate) and
// reducedFrames the static number of output frames. It returns the upsampled
// features [batch, reducedFrames, channels], the alignment
// [batch, reducedFrames, seqLen] and the per-sample log length-correction
// factor [batch].
func (m *Model) upsample(ctx *context.Context, encodings, textMask, reducedLens *Node,
	reducedFrames int) (upsampled, align, factor *Node) {
	g := encodings.Graph()
	dtype := encodings.DType()
	batchSize := encodings.Shape().Dimensions[0]
	seqLen := encodings.Shape().Dimensions[1]
	textMaskF := ConvertDType(textMask, dtype)

	hidden := encodings
	for ii, dim := range m.cfg.Model.UpsamplerDims {
		hidden = layers.DenseWithBias(ctx.Inf("%03d_hidden", ii), hidden, dim)
		hidden = activations.Relu(hidden)
	}

	// Per-token duration (log domain) and Gaussian width, both [batch, seqLen].
	logDur := Squeeze(layers.DenseWithBias(ctx.In("log_duration"), hidden, 1), -1)
	width := Softplus(Squeeze(layers.DenseWithBias(ctx.In("range"), hidden, 1), -1))

	// Re-scale the predicted durations so they sum to the target length:
	// factor = log(targetLen) - logsumexp(logDur over valid tokens).
	maxLogDur := MaskedReduceMax(logDur, textMask, -1)
	sumExp := MaskedReduceSum(Exp(Sub(logDur, ExpandAxes(maxLogDur, -1))), textMask, -1)
	logSumExp := Add(maxLogDur, Log(sumExp))
	factor = Sub(Log(reducedLens), logSumExp)
	logDur = Add(logDur, ExpandAxes(factor, -1))

	// Gaussian centers at the midpoint of each token's duration span.
	dur := Mul(Exp(logDur), textMaskF)
	centers := Sub(CumSum(dur, -1), MulScalar(dur, 0.5))

	// align[b, t, s] ~ exp(-((t - center[b,s]) / width[b,s])^2), normalized
	// over the valid tokens of each frame.
	frames := Iota(g, shapes.Make(dtype, 1, reducedFrames, 1), 1)
	distance := Div(Sub(frames, ExpandAxes(centers, 1)), AddScalar(ExpandAxes(width, 1), 1e-5))
	energy := Neg(Square(distance))
	alignMask := BroadcastToDims(ExpandAxes(textMask, 1), batchSize, reducedFrames, seqLen)
	align = MaskedSoftmax(energy, alignMask, -1)

	// Frames beyond a sample's target length attend to nothing.
	framePos := Iota(g, shapes.Make(dtype, batchSize, reducedFrames), 1)
	frameMask := ConvertDType(LessThan(framePos, ExpandAxes(reducedLens, -1)), dtype)
	align = Mul(align, ExpandAxes(frameMask, -1))

	upsampled = Einsum("brs,bsc->brc", align, encodings)
	return
}
