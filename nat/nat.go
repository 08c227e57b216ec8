// Package nat builds the synthesis network graph: a non-attentive Tacotron
// that maps text token sequences plus a speaker embedding to mel-spectrogram
// frames.
//
// The pipeline is: token embedding -> prenet (dropout FNN) -> residual
// 1D-convolution encoder -> concatenation with the broadcast speaker
// embedding -> Gaussian upsampler (duration-based, no attention) -> frame
// decoder -> unfolding by the reduction factor. All stages mask padding, so
// batches with mixed sequence lengths train correctly.
//
// The model is expressed as context-managed variables: building the graph
// twice with the same context reuses the same weights.
package nat

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/gomlx/speakergen/config"
)

// Scope under which all model variables are created.
const Scope = "nat"

// Model holds the architecture hyperparameters. The weights live in the
// context, not here, so Model is cheap and stateless.
type Model struct {
	cfg *config.Config
}

// New creates the Model for the given configuration.
func New(cfg *config.Config) *Model {
	return &Model{cfg: cfg}
}

// Output of one forward pass.
type Output struct {
	// Mel is the predicted spectrogram [batch, melFrames, melBins], zeroed
	// beyond each sample's length.
	Mel *Node

	// Align is the Gaussian upsampler alignment
	// [batch, melFrames/reduction, seqLen].
	Align *Node

	// LengthFactor is the per-sample log correction applied to the predicted
	// durations so they sum to the target length, [batch]. Useful as a
	// duration-model diagnostic.
	LengthFactor *Node
}

// Forward builds the teacher-forced training graph.
//
// tokens is [batch, seqLen] integer token ids (0 = padding), tokenLens
// [batch] integer valid lengths, speaker [batch, speakerDim] the sampled
// speaker embedding, and melLens [batch] integer target spectrogram lengths.
// melFrames is the static (padded) number of target frames; it must be a
// multiple of the configured reduction factor, which the corpus loader
// guarantees.
func (m *Model) Forward(ctx *context.Context, tokens, tokenLens, speaker, melLens *Node,
	melFrames int) *Output {
	reduction := m.cfg.Model.Reduction
	if melFrames%reduction != 0 {
		exceptions.Panicf("nat: melFrames=%d must be a multiple of the reduction factor %d",
			melFrames, reduction)
	}
	ctx = ctx.In(Scope)
	g := tokens.Graph()
	dtype := speaker.DType()
	batchSize := tokens.Shape().Dimensions[0]
	seqLen := tokens.Shape().Dimensions[1]

	// [batch, seqLen], true on real tokens.
	tokenPos := Iota(g, shapes.Make(tokenLens.DType(), batchSize, seqLen), 1)
	textMask := LessThan(tokenPos, ExpandAxes(tokenLens, -1))
	textMaskF := ConvertDType(textMask, dtype)

	embedded := layers.Embedding(ctx.In("embedding"), tokens, dtype,
		m.cfg.Data.VocabSize, m.cfg.Model.EmbedDim)
	encoded := m.encode(ctx.In("encoder"), embedded, textMaskF)

	// Every token position sees the same speaker embedding.
	speakerTiled := BroadcastToDims(ExpandAxes(speaker, 1),
		batchSize, seqLen, m.cfg.Model.SpeakerDim)
	encodings := Concatenate([]*Node{encoded, speakerTiled}, -1)

	// The upsampler and decoder run at the reduced frame rate.
	reducedFrames := melFrames / reduction
	reducedLens := Ceil(DivScalar(ConvertDType(melLens, dtype), float64(reduction)))
	upsampled, align, factor := m.upsample(ctx.In("upsampler"), encodings, textMask,
		reducedLens, reducedFrames)

	decoded := m.decode(ctx.In("decoder"), upsampled)

	// Unfold [batch, reducedFrames, reduction*melBins] to [batch, melFrames, melBins]
	// and zero the padding frames.
	mel := Reshape(decoded, batchSize, melFrames, m.cfg.Data.MelBins)
	framePos := Iota(g, shapes.Make(melLens.DType(), batchSize, melFrames), 1)
	melMask := ConvertDType(LessThan(framePos, ExpandAxes(melLens, -1)), dtype)
	mel = Mul(mel, ExpandAxes(melMask, -1))

	return &Output{Mel: mel, Align: align, LengthFactor: factor}
}

// encode maps the embedded tokens [batch, seqLen, embedDim] to encoder
// features [batch, seqLen, channels]: a dropout prenet followed by residual
// 1D-convolution blocks. The mask is re-applied after every convolution so
// the padded positions never leak into their neighbors.
func (m *Model) encode(ctx *context.Context, embedded, textMaskF *Node) *Node {
	mask3 := ExpandAxes(textMaskF, -1)

	hidden := embedded
	for ii, dim := range m.cfg.Model.PrenetDims {
		scopedCtx := ctx.Inf("%03d_prenet", ii)
		hidden = activations.Relu(layers.DenseWithBias(scopedCtx, hidden, dim))
		hidden = layers.DropoutStatic(scopedCtx, hidden, m.cfg.Model.PrenetDropout)
	}
	hidden = Mul(hidden, mask3)

	channels := m.cfg.Model.Channels
	hidden = layers.Convolution(ctx.In("conv_in"), hidden).
		Filters(channels).KernelSize(convKernelSize).PadSame().Done()
	hidden = Mul(hidden, mask3)
	for ii := range m.cfg.Model.EncoderLayers {
		scopedCtx := ctx.Inf("%03d_conv_block", ii)
		block := layers.Convolution(scopedCtx, hidden).
			Filters(channels).KernelSize(convKernelSize).PadSame().Done()
		block = layers.LayerNormalization(scopedCtx, block, -1).Done()
		block = activations.Relu(block)
		hidden = Mul(Add(hidden, block), mask3)
	}
	return hidden
}

const convKernelSize = 5

// decode maps the upsampled features [batch, reducedFrames, channels] to
// reduced mel frames [batch, reducedFrames, reduction*melBins].
func (m *Model) decode(ctx *context.Context, upsampled *Node) *Node {
	hidden := upsampled
	for ii, dim := range m.cfg.Model.DecoderDims {
		hidden = activations.Relu(layers.DenseWithBias(ctx.Inf("%03d_hidden", ii), hidden, dim))
	}
	return layers.DenseWithBias(ctx.In("output"), hidden,
		m.cfg.Model.Reduction*m.cfg.Data.MelBins)
}
