package corpus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/speakergen/config"
	"github.com/gomlx/speakergen/train"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Data.VocabSize = 10
	cfg.Data.MelBins = 3
	cfg.Data.NumSpeakers = 2
	cfg.Model.Reduction = 4
	cfg.Train.BatchSize = 2
	cfg.Train.Seed = 7
	return cfg
}

// writeCorpus materializes a small on-disk corpus: 5 utterances of varying
// lengths, so one batch is dropped as a remainder.
func writeCorpus(t *testing.T, cfg *config.Config) string {
	t.Helper()
	dir := t.TempDir()
	manifest := &Manifest{}
	for ii := range 5 {
		numFrames := 3 + 2*ii // longest is 11, padded to 12 (reduction 4).
		mel := make([][]float32, numFrames)
		for frame := range mel {
			mel[frame] = []float32{float32(ii), float32(frame), 1}
		}
		melFile := fmt.Sprintf("utt%03d.tensor", ii)
		require.NoError(t, tensors.FromValue(mel).Save(filepath.Join(dir, melFile)))
		manifest.Utterances = append(manifest.Utterances, Utterance{
			Tokens:  []int32{1, 2, 3}[:1+ii%3],
			Speaker: int32(ii % cfg.Data.NumSpeakers),
			MelFile: melFile,
		})
	}
	contents, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), contents, 0644))
	return dir
}

func TestLoadAndYield(t *testing.T) {
	cfg := testConfig()
	dir := writeCorpus(t, cfg)
	c, err := Load(dir, cfg)
	require.NoError(t, err)

	// 5 utterances at batch size 2: the odd one out is dropped.
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Reset(0))
	batch, err := c.Yield()
	require.NoError(t, err)
	require.Len(t, batch, train.BatchNumTensors)

	// Mel frames are padded to a multiple of the reduction factor.
	melDims := batch[train.BatchMels].Shape().Dimensions
	assert.Equal(t, cfg.Train.BatchSize, melDims[0])
	assert.Equal(t, 12, melDims[1])
	assert.Equal(t, cfg.Data.MelBins, melDims[2])
	assert.Equal(t, []int{cfg.Train.BatchSize}, batch[train.BatchMelLens].Shape().Dimensions)

	_, err = c.Yield()
	require.NoError(t, err)
	_, err = c.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestResetIsDeterministicPerEpoch(t *testing.T) {
	cfg := testConfig()
	c := Synthetic(cfg, 3, 4)

	firstOrder := func(epoch int) []int32 {
		require.NoError(t, c.Reset(epoch))
		batch, err := c.Yield()
		require.NoError(t, err)
		return batch[train.BatchTokenLens].Value().([]int32)
	}

	epoch0 := firstOrder(0)
	epoch1 := firstOrder(1)
	assert.Equal(t, epoch0, firstOrder(0), "same epoch must replay the same order")
	assert.NotEqual(t, epoch0, epoch1, "different epochs should reshuffle")
}

func TestSyntheticIsDeterministic(t *testing.T) {
	cfg := testConfig()
	a, b := Synthetic(cfg, 11, 2), Synthetic(cfg, 11, 2)
	require.NoError(t, a.Reset(0))
	require.NoError(t, b.Reset(0))
	batchA, err := a.Yield()
	require.NoError(t, err)
	batchB, err := b.Yield()
	require.NoError(t, err)
	for ii := range batchA {
		assert.True(t, batchA[ii].Equal(batchB[ii]), "tensor %d differs between identical corpora", ii)
	}
}

func TestYieldBeforeResetFails(t *testing.T) {
	c := Synthetic(testConfig(), 1, 1)
	_, err := c.Yield()
	require.Error(t, err)
}
