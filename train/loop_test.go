package train_test

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	mlcontext "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"

	"github.com/gomlx/speakergen/checkpoint"
	"github.com/gomlx/speakergen/config"
	"github.com/gomlx/speakergen/corpus"
	"github.com/gomlx/speakergen/scalars"
	"github.com/gomlx/speakergen/train"
)

func tinyConfig() *config.Config {
	cfg := config.Default()
	cfg.Data.VocabSize = 12
	cfg.Data.MelBins = 4
	cfg.Data.NumSpeakers = 3
	cfg.Model.EmbedDim = 6
	cfg.Model.Channels = 6
	cfg.Model.SpeakerDim = 4
	cfg.Model.PrenetDims = []int{6}
	cfg.Model.PrenetDropout = 0 // Deterministic forward pass.
	cfg.Model.EncoderLayers = 1
	cfg.Model.UpsamplerDims = []int{6}
	cfg.Model.DecoderDims = []int{8}
	cfg.Model.Reduction = 2
	cfg.Train.BatchSize = 2
	cfg.Train.TotalEpochs = 3
	cfg.Train.LearningRate = 1e-2
	cfg.Train.WarmupSteps = 2
	cfg.Train.KLAnnealSteps = 10
	cfg.Train.CheckpointEverySteps = 0
	cfg.Train.KeepCheckpoints = -1
	cfg.Train.MaxConsecutiveNonFinite = 3
	cfg.Train.PrefetchBuffer = 0
	cfg.Train.Seed = 17
	return cfg
}

const testBatchesPerEpoch = 2

// runLoop trains for totalEpochs into checkpointDir and returns the final
// context and the Run error.
func runLoop(t *testing.T, cfg *config.Config, checkpointDir string, totalEpochs int,
	resume train.Resume) (*mlcontext.Context, error) {
	t.Helper()
	runCfg := *cfg
	runCfg.Train.TotalEpochs = totalEpochs
	runCfg.Train.CheckpointDir = checkpointDir

	backend := backends.MustNew()
	ctx := mlcontext.New()
	mgr, err := checkpoint.New(checkpointDir, runCfg.Train.KeepCheckpoints)
	require.NoError(t, err)
	sink := scalars.NewWriter(t.TempDir())
	defer sink.Close()
	ds := corpus.Synthetic(&runCfg, 5, testBatchesPerEpoch)

	loop := train.NewLoop(backend, ctx, &runCfg, ds, mgr, sink, "test-run")
	return ctx, loop.Run(context.Background(), resume)
}

// assertSameVariables compares every float variable of a against b within
// delta, and everything else exactly.
func assertSameVariables(t *testing.T, a, b *mlcontext.Context, delta float64) {
	t.Helper()
	count := 0
	a.EnumerateVariables(func(va *mlcontext.Variable) {
		count++
		vb := b.GetVariableByScopeAndName(va.Scope(), va.Name())
		if !assert.NotNil(t, vb, "variable %s/%s missing from resumed run", va.Scope(), va.Name()) {
			return
		}
		if va.Shape().DType.IsFloat() {
			assert.True(t, va.Value().InDelta(vb.Value(), delta),
				"variable %s/%s diverged", va.Scope(), va.Name())
		} else {
			assert.True(t, va.Value().Equal(vb.Value()),
				"variable %s/%s differs", va.Scope(), va.Name())
		}
	})
	require.Greater(t, count, 0, "no variables to compare")
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	cfg := tinyConfig()

	// 3 epochs in one go.
	straight, err := runLoop(t, cfg, t.TempDir(), 3, train.ResumeFresh)
	require.NoError(t, err)

	// 2 epochs, then resume the latest checkpoint for 1 more.
	dir := t.TempDir()
	_, err = runLoop(t, cfg, dir, 2, train.ResumeFresh)
	require.NoError(t, err)
	resumed, err := runLoop(t, cfg, dir, 3, train.ResumeLatest)
	require.NoError(t, err)

	assertSameVariables(t, straight, resumed, 1e-5)
}

func TestCheckpointsKeyedByCompletedEpochs(t *testing.T) {
	cfg := tinyConfig()
	dir := t.TempDir()
	_, err := runLoop(t, cfg, dir, 2, train.ResumeFresh)
	require.NoError(t, err)

	mgr, err := checkpoint.New(dir, -1)
	require.NoError(t, err)
	epochs, err := mgr.Epochs()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, epochs)

	manifest, _, err := mgr.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.Epoch)
	assert.EqualValues(t, 2*testBatchesPerEpoch, manifest.GlobalStep)
}

func TestResumeTargetMissing(t *testing.T) {
	cfg := tinyConfig()
	_, err := runLoop(t, cfg, t.TempDir(), 1, train.Resume(9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrNotFound))
}

func TestInterruptSavesCheckpoint(t *testing.T) {
	cfg := tinyConfig()
	dir := t.TempDir()

	backend := backends.MustNew()
	ctx := mlcontext.New()
	mgr, err := checkpoint.New(dir, -1)
	require.NoError(t, err)
	sink := scalars.NewWriter(t.TempDir())
	defer sink.Close()
	ds := corpus.Synthetic(cfg, 5, testBatchesPerEpoch)
	loop := train.NewLoop(backend, ctx, cfg, ds, mgr, sink, "test-run")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err = loop.Run(canceled, train.ResumeFresh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, train.ErrInterrupted))

	// The interrupt left a resumable bundle behind.
	epochs, err := mgr.Epochs()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, epochs)
}

// nanDataset yields batches whose mel targets are all NaN, so every step's
// gradients are non-finite and the update is skipped.
type nanDataset struct {
	cfg     *config.Config
	batches int
	cursor  int
}

func (d *nanDataset) Name() string          { return "nan" }
func (d *nanDataset) Len() int              { return d.batches }
func (d *nanDataset) Reset(epoch int) error { d.cursor = 0; return nil }

func (d *nanDataset) Yield() ([]*tensors.Tensor, error) {
	if d.cursor >= d.batches {
		return nil, io.EOF
	}
	d.cursor++
	const (
		seqLen    = 4
		melFrames = 8
	)
	batchSize := d.cfg.Train.BatchSize
	tokens := make([][]int32, batchSize)
	tokenLens := make([]int32, batchSize)
	mels := make([][][]float32, batchSize)
	melLens := make([]int32, batchSize)
	speakerIDs := make([]int32, batchSize)
	for row := range batchSize {
		tokens[row] = []int32{1, 2, 3, 4}
		tokenLens[row] = seqLen
		mels[row] = make([][]float32, melFrames)
		for frame := range mels[row] {
			mels[row][frame] = make([]float32, d.cfg.Data.MelBins)
			for bin := range mels[row][frame] {
				mels[row][frame][bin] = float32(math.NaN())
			}
		}
		melLens[row] = melFrames
		speakerIDs[row] = int32(row % d.cfg.Data.NumSpeakers)
	}
	batch := make([]*tensors.Tensor, train.BatchNumTensors)
	batch[train.BatchTokens] = tensors.FromValue(tokens)
	batch[train.BatchTokenLens] = tensors.FromValue(tokenLens)
	batch[train.BatchMels] = tensors.FromValue(mels)
	batch[train.BatchMelLens] = tensors.FromValue(melLens)
	batch[train.BatchSpeakerIDs] = tensors.FromValue(speakerIDs)
	return batch, nil
}

func TestConsecutiveNonFiniteFailsRun(t *testing.T) {
	cfg := tinyConfig()
	cfg.Train.MaxConsecutiveNonFinite = 3

	backend := backends.MustNew()
	ctx := mlcontext.New()
	mgr, err := checkpoint.New(t.TempDir(), -1)
	require.NoError(t, err)
	sink := scalars.NewWriter(t.TempDir())
	defer sink.Close()
	ds := &nanDataset{cfg: cfg, batches: testBatchesPerEpoch}
	loop := train.NewLoop(backend, ctx, cfg, ds, mgr, sink, "test-run")

	// Every completed step reports a skip; the escalating step fails the run
	// before its hooks fire.
	skips := 0
	loop.OnStep("skips", 0, func(loop *train.Loop, m train.Metrics) error {
		require.True(t, m.Skipped)
		skips++
		return nil
	})

	err = loop.Run(context.Background(), train.ResumeFresh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, train.ErrNonFinite))
	assert.Equal(t, train.Failed, loop.State())
	assert.Equal(t, cfg.Train.MaxConsecutiveNonFinite-1, skips)
}

func TestScalarSinkReceivesMetrics(t *testing.T) {
	cfg := tinyConfig()
	logDir := t.TempDir()

	backend := backends.MustNew()
	ctx := mlcontext.New()
	mgr, err := checkpoint.New(t.TempDir(), -1)
	require.NoError(t, err)
	sink := scalars.NewWriter(logDir)
	ds := corpus.Synthetic(cfg, 5, testBatchesPerEpoch)
	loop := train.NewLoop(backend, ctx, cfg, ds, mgr, sink, "test-run")

	steps := 0
	loop.OnStep("counter", 0, func(loop *train.Loop, m train.Metrics) error {
		steps++
		assert.False(t, m.Skipped)
		assert.Greater(t, m.LearningRate, 0.0)
		return nil
	})
	ended := false
	loop.OnEnd("flag", 0, func(loop *train.Loop) error {
		ended = true
		return nil
	})

	require.NoError(t, loop.Run(context.Background(), train.ResumeFresh))
	sink.Close()
	assert.Equal(t, cfg.Train.TotalEpochs*testBatchesPerEpoch, steps)
	assert.True(t, ended)
	assert.Equal(t, train.Finished, loop.State())

	points, err := scalars.LoadFromDir(logDir)
	require.NoError(t, err)
	require.NotEmpty(t, points)
	names := make(map[string]bool)
	for _, p := range points {
		names[p.MetricName] = true
	}
	for _, want := range []string{"total_loss", "recon_loss", "kl", "kl_weight", "learning_rate"} {
		assert.True(t, names[want], "metric %q missing from the sink", want)
	}
}
