package nat

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"

	"github.com/gomlx/speakergen/config"
)

func tinyConfig() *config.Config {
	cfg := config.Default()
	cfg.Data.VocabSize = 16
	cfg.Data.MelBins = 4
	cfg.Data.NumSpeakers = 3
	cfg.Model.EmbedDim = 8
	cfg.Model.Channels = 8
	cfg.Model.SpeakerDim = 4
	cfg.Model.PrenetDims = []int{8}
	cfg.Model.EncoderLayers = 1
	cfg.Model.UpsamplerDims = []int{8}
	cfg.Model.DecoderDims = []int{8}
	cfg.Model.Reduction = 2
	return cfg
}

func TestForwardShapesAndMasking(t *testing.T) {
	backend := backends.MustNew()
	cfg := tinyConfig()
	model := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(1)

	const (
		batchSize = 2
		seqLen    = 5
		melFrames = 8
	)
	exec := context.NewExec(backend, ctx,
		func(ctx *context.Context, tokens, tokenLens, speaker, melLens *Node) []*Node {
			out := model.Forward(ctx, tokens, tokenLens, speaker, melLens, melFrames)
			return []*Node{out.Mel, out.Align, out.LengthFactor}
		})

	tokens := [][]int32{{1, 2, 3, 0, 0}, {4, 5, 6, 7, 8}}
	tokenLens := []int32{3, 5}
	speaker := [][]float32{{0.1, -0.2, 0.3, 0.4}, {-0.5, 0.6, -0.7, 0.8}}
	melLens := []int32{5, 8}
	results := exec.Call(tokens, tokenLens, speaker, melLens)

	mel, align, factor := results[0], results[1], results[2]
	require.Equal(t, []int{batchSize, melFrames, cfg.Data.MelBins}, mel.Shape().Dimensions)
	require.Equal(t, []int{batchSize, melFrames / cfg.Model.Reduction, seqLen},
		align.Shape().Dimensions)
	require.Equal(t, []int{batchSize}, factor.Shape().Dimensions)

	// Frames at or beyond melLens must be exactly zero.
	melValues := mel.Value().([][][]float32)
	for frame := 5; frame < melFrames; frame++ {
		for bin := range cfg.Data.MelBins {
			assert.Zero(t, melValues[0][frame][bin],
				"padded frame %d bin %d of sample 0 is not masked", frame, bin)
		}
	}

	// Valid alignment rows are a distribution over the valid tokens; padded
	// token columns get zero weight.
	alignValues := align.Value().([][][]float32)
	rowSum := float32(0)
	for _, w := range alignValues[0][0] {
		rowSum += w
	}
	assert.InDelta(t, 1.0, rowSum, 1e-4)
	assert.Zero(t, alignValues[0][0][3])
	assert.Zero(t, alignValues[0][0][4])
}

func TestForwardReusesVariables(t *testing.T) {
	backend := backends.MustNew()
	cfg := tinyConfig()
	model := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(1)

	exec := context.NewExec(backend, ctx,
		func(ctx *context.Context, tokens, tokenLens, speaker, melLens *Node) *Node {
			return model.Forward(ctx, tokens, tokenLens, speaker, melLens, 4).Mel
		})
	args := []any{
		[][]int32{{1, 2}}, []int32{2},
		[][]float32{{0.1, 0.2, 0.3, 0.4}}, []int32{4},
	}
	first := exec.Call(args...)[0]
	numVars := ctx.NumVariables()
	second := exec.Call(args...)[0]

	// Same weights, no training: the forward pass is deterministic and
	// creates no new variables.
	assert.Equal(t, numVars, ctx.NumVariables())
	require.True(t, first.InDelta(second, 1e-6),
		"two forward passes with the same weights disagree")
}
