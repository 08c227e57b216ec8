// Package corpus feeds the training loop: it turns a preprocessed
// multi-speaker speech corpus on disk (token id sequences plus mel
// spectrogram tensors) into fixed-shape padded batches, reshuffled
// deterministically every epoch.
//
// The on-disk layout is a manifest.json listing the utterances next to one
// mel tensor file per utterance (written with tensors.Tensor.Save by the
// preprocessing step). Audio preprocessing itself is out of scope here.
package corpus

import (
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/speakergen/config"
	"github.com/gomlx/speakergen/train"
)

// ManifestFileName within the data directory.
const ManifestFileName = "manifest.json"

// Utterance is one manifest entry.
type Utterance struct {
	// Tokens are the text token ids (1-based; 0 is padding).
	Tokens []int32

	// Speaker id, in [0, NumSpeakers).
	Speaker int32

	// MelFile is the utterance's mel tensor file ([frames, melBins]
	// float32), relative to the data directory.
	MelFile string
}

// Manifest describes the corpus.
type Manifest struct {
	Utterances []Utterance
}

// utterance is the in-memory, mel-loaded form.
type utterance struct {
	tokens  []int32
	speaker int32
	mel     [][]float32
}

// Corpus is an in-memory dataset of padded batches. It implements
// train.Dataset.
type Corpus struct {
	name       string
	batchSize  int
	seed       int64
	utterances []utterance

	// Static padded dimensions, fixed across epochs so every batch compiles
	// to the same graph.
	maxSeqLen    int
	maxMelFrames int
	melBins      int

	order  []int
	cursor int
}

var _ train.Dataset = (*Corpus)(nil)

// Load reads the corpus under dataDir. Mel tensors are loaded eagerly; the
// padded batch dimensions are derived from the longest utterance, with the
// mel frame count rounded up to a multiple of the model's reduction factor.
func Load(dataDir string, cfg *config.Config) (*Corpus, error) {
	manifestPath := filepath.Join(dataDir, ManifestFileName)
	contents, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read corpus manifest %q", manifestPath)
	}
	manifest := &Manifest{}
	if err = json.Unmarshal(contents, manifest); err != nil {
		return nil, errors.Wrapf(err, "failed to parse corpus manifest %q", manifestPath)
	}
	if len(manifest.Utterances) < cfg.Train.BatchSize {
		return nil, errors.Errorf("corpus %q has %d utterances, need at least one batch of %d",
			dataDir, len(manifest.Utterances), cfg.Train.BatchSize)
	}

	c := &Corpus{
		name:      dataDir,
		batchSize: cfg.Train.BatchSize,
		seed:      cfg.Train.Seed,
		melBins:   cfg.Data.MelBins,
	}
	for _, entry := range manifest.Utterances {
		if len(entry.Tokens) == 0 {
			return nil, errors.Errorf("corpus %q has an utterance with no tokens", dataDir)
		}
		if entry.Speaker < 0 || int(entry.Speaker) >= cfg.Data.NumSpeakers {
			return nil, errors.Errorf("corpus %q: speaker id %d out of range [0, %d)",
				dataDir, entry.Speaker, cfg.Data.NumSpeakers)
		}
		melPath := filepath.Join(dataDir, entry.MelFile)
		melTensor, err := tensors.Load(melPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load mel tensor %q", melPath)
		}
		mel, ok := melTensor.Value().([][]float32)
		if !ok || len(mel) == 0 || len(mel[0]) != cfg.Data.MelBins {
			return nil, errors.Errorf("mel tensor %q must be [frames, %d] float32, got %s",
				melPath, cfg.Data.MelBins, melTensor.Shape())
		}
		c.utterances = append(c.utterances, utterance{
			tokens:  entry.Tokens,
			speaker: entry.Speaker,
			mel:     mel,
		})
	}
	c.derivePaddedDims(cfg.Model.Reduction)
	klog.Infof("corpus %q: %d utterances, %d batches/epoch, padded to seqLen=%d melFrames=%d",
		dataDir, len(c.utterances), c.Len(), c.maxSeqLen, c.maxMelFrames)
	return c, nil
}

// Synthetic builds a deterministic in-memory corpus of numBatches batches
// for tests and smoke runs. The same (cfg, seed, numBatches) always produces
// the same data.
func Synthetic(cfg *config.Config, seed int64, numBatches int) *Corpus {
	rng := rand.New(rand.NewSource(seed))
	c := &Corpus{
		name:      "synthetic",
		batchSize: cfg.Train.BatchSize,
		seed:      cfg.Train.Seed,
		melBins:   cfg.Data.MelBins,
	}
	const (
		maxTokens = 12
		maxFrames = 20
	)
	for range numBatches * cfg.Train.BatchSize {
		numTokens := 2 + rng.Intn(maxTokens-1)
		tokens := make([]int32, numTokens)
		for ii := range tokens {
			tokens[ii] = 1 + int32(rng.Intn(cfg.Data.VocabSize-1))
		}
		numFrames := numTokens + rng.Intn(maxFrames-maxTokens+1)
		mel := make([][]float32, numFrames)
		for frame := range mel {
			mel[frame] = make([]float32, cfg.Data.MelBins)
			for bin := range mel[frame] {
				mel[frame][bin] = float32(rng.NormFloat64())
			}
		}
		c.utterances = append(c.utterances, utterance{
			tokens:  tokens,
			speaker: int32(rng.Intn(cfg.Data.NumSpeakers)),
			mel:     mel,
		})
	}
	c.derivePaddedDims(cfg.Model.Reduction)
	return c
}

func (c *Corpus) derivePaddedDims(reduction int) {
	for _, u := range c.utterances {
		c.maxSeqLen = max(c.maxSeqLen, len(u.tokens))
		c.maxMelFrames = max(c.maxMelFrames, len(u.mel))
	}
	if rem := c.maxMelFrames % reduction; rem != 0 {
		c.maxMelFrames += reduction - rem
	}
}

// Name implements train.Dataset.
func (c *Corpus) Name() string { return c.name }

// Len is the number of full batches per epoch; a trailing partial batch is
// dropped so every batch has the same shape.
func (c *Corpus) Len() int { return len(c.utterances) / c.batchSize }

// Reset implements train.Dataset: the order of utterances is a pure function
// of (seed, epoch), so resumed and uninterrupted runs see identical epochs.
func (c *Corpus) Reset(epoch int) error {
	rng := rand.New(rand.NewSource(c.seed + int64(epoch)*0x9E3779B9))
	c.order = rng.Perm(len(c.utterances))
	c.cursor = 0
	return nil
}

// Yield implements train.Dataset.
func (c *Corpus) Yield() ([]*tensors.Tensor, error) {
	if c.order == nil {
		return nil, errors.New("corpus used before Reset")
	}
	if c.cursor+c.batchSize > len(c.order) {
		return nil, io.EOF
	}
	picked := c.order[c.cursor : c.cursor+c.batchSize]
	c.cursor += c.batchSize

	tokens := make([][]int32, c.batchSize)
	tokenLens := make([]int32, c.batchSize)
	mels := make([][][]float32, c.batchSize)
	melLens := make([]int32, c.batchSize)
	speakerIDs := make([]int32, c.batchSize)
	for row, idx := range picked {
		u := c.utterances[idx]
		tokens[row] = padTokens(u.tokens, c.maxSeqLen)
		tokenLens[row] = int32(len(u.tokens))
		mels[row] = padMel(u.mel, c.maxMelFrames, c.melBins)
		melLens[row] = int32(len(u.mel))
		speakerIDs[row] = u.speaker
	}

	batch := make([]*tensors.Tensor, train.BatchNumTensors)
	batch[train.BatchTokens] = tensors.FromValue(tokens)
	batch[train.BatchTokenLens] = tensors.FromValue(tokenLens)
	batch[train.BatchMels] = tensors.FromValue(mels)
	batch[train.BatchMelLens] = tensors.FromValue(melLens)
	batch[train.BatchSpeakerIDs] = tensors.FromValue(speakerIDs)
	return batch, nil
}

func padTokens(tokens []int32, to int) []int32 {
	padded := make([]int32, to)
	copy(padded, tokens)
	return padded
}

func padMel(mel [][]float32, toFrames, melBins int) [][]float32 {
	padded := make([][]float32, toFrames)
	for frame := range padded {
		if frame < len(mel) {
			padded[frame] = mel[frame]
		} else {
			padded[frame] = make([]float32, melBins)
		}
	}
	return padded
}
