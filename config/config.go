// Package config holds the hyperparameters of a speakergen training run:
// the dataset description, the synthesis network architecture and the
// training schedule.
//
// A Config is built once at process start -- Default() overridden
// field-by-field by an optional JSON file -- and is immutable afterwards.
// A snapshot of it is persisted next to every checkpoint, so a model
// directory is self-describing.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Error tags a configuration problem (malformed file, unknown field, value
// out of range). It is fatal at startup and never retried.
type Error struct {
	// Field is the offending field ("" when the file as a whole is broken).
	Field string

	// Hint tells the user how to fix it.
	Hint string

	// Err is the underlying cause, may be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "config error"
	if e.Field != "" {
		msg = fmt.Sprintf("config error in field %q", e.Field)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Hint != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Hint)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Data describes the corpus being trained on.
type Data struct {
	// Dir is the dataset root. It is usually set from the --data_dir flag,
	// not from the config file.
	Dir string

	// VocabSize is the number of text token ids (including padding=0).
	VocabSize int

	// MelBins is the number of mel-spectrogram channels per frame.
	MelBins int

	// NumSpeakers in the corpus; indexes the latent speaker tables.
	NumSpeakers int
}

// Model describes the synthesis network architecture.
type Model struct {
	// EmbedDim is the text token embedding dimension.
	EmbedDim int

	// Channels is the width of the encoder output.
	Channels int

	// SpeakerDim is the dimension of the latent speaker variable.
	SpeakerDim int

	// PrenetDims are the hidden layer sizes of the encoder prenet.
	PrenetDims []int

	// PrenetDropout applied between prenet layers during training.
	PrenetDropout float64

	// EncoderLayers is the number of residual 1D-convolution blocks.
	EncoderLayers int

	// UpsamplerDims are the hidden layer sizes of the duration/range
	// predictor feeding the Gaussian upsampler.
	UpsamplerDims []int

	// DecoderDims are the hidden layer sizes of the frame decoder.
	DecoderDims []int

	// Reduction is the frame reduction factor: the decoder emits
	// Reduction mel frames per step.
	Reduction int
}

// Train describes the optimization schedule and the run layout on disk.
type Train struct {
	// BatchSize of each training step.
	BatchSize int

	// TotalEpochs to train; one epoch is one pass over the corpus.
	TotalEpochs int

	// LearningRate is the base (post-warmup peak) Adam learning rate.
	LearningRate float64

	// WarmupSteps of linear learning-rate warmup; after that the rate
	// decays with the inverse square root of the step.
	WarmupSteps int

	// KLWeightStart and KLWeightTarget bound the KL annealing schedule:
	// the weight grows linearly from start to target over KLAnnealSteps
	// and is clamped at the target afterwards.
	KLWeightStart  float64
	KLWeightTarget float64
	KLAnnealSteps  int

	// ClipGlobalNorm caps the global gradient norm. 0 disables clipping.
	ClipGlobalNorm float64

	// MaxConsecutiveNonFinite is how many non-finite-gradient steps in a
	// row are tolerated (each is skipped) before training fails.
	MaxConsecutiveNonFinite int

	// CheckpointDir receives one bundle per checkpointed epoch.
	CheckpointDir string

	// CheckpointEverySteps triggers a mid-epoch checkpoint every N steps.
	// 0 checkpoints only at epoch boundaries.
	CheckpointEverySteps int

	// KeepCheckpoints is the retention limit; oldest bundles beyond it are
	// deleted after a new save succeeds. -1 keeps everything.
	KeepCheckpoints int

	// LogDir receives the scalar time series consumed by speakergen-plots.
	LogDir string

	// Seed for fresh-start model initialization and data shuffling.
	Seed int64

	// PrefetchBuffer is the bounded batch queue size between the data
	// producer and the training loop.
	PrefetchBuffer int
}

// Config is the full, immutable-once-loaded hyperparameter set.
type Config struct {
	Data  Data
	Model Model
	Train Train
}

// Default returns the configuration used when no override file is given.
// Values follow the non-attentive Tacotron speaker-generation setup, scaled
// for LibriTTS-sized corpora.
func Default() *Config {
	return &Config{
		Data: Data{
			VocabSize:   256,
			MelBins:     80,
			NumSpeakers: 2311,
		},
		Model: Model{
			EmbedDim:      256,
			Channels:      512,
			SpeakerDim:    128,
			PrenetDims:    []int{256, 128},
			PrenetDropout: 0.5,
			EncoderLayers: 3,
			UpsamplerDims: []int{256},
			DecoderDims:   []int{1024, 512},
			Reduction:     2,
		},
		Train: Train{
			BatchSize:               32,
			TotalEpochs:             200,
			LearningRate:            1e-3,
			WarmupSteps:             4000,
			KLWeightStart:           1e-5,
			KLWeightTarget:          1e-2,
			KLAnnealSteps:           100_000,
			ClipGlobalNorm:          1.0,
			MaxConsecutiveNonFinite: 10,
			CheckpointDir:           "checkpoints",
			CheckpointEverySteps:    1000,
			KeepCheckpoints:         5,
			LogDir:                  "logs",
			Seed:                    42,
			PrefetchBuffer:          4,
		},
	}
}

// Load returns Default() when path is empty, otherwise the defaults
// overridden field-by-field by the JSON file at path. Fields absent from
// the file keep their default value; unknown fields or type mismatches
// return a *Error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}
	dec := json.NewDecoder(bytes.NewReader(contents))
	dec.DisallowUnknownFields()
	if err = dec.Decode(cfg); err != nil {
		return nil, &Error{
			Err:  errors.Wrapf(err, "failed to parse config file %q", path),
			Hint: "fix or remove the offending field",
		}
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a complete, round-trippable representation of cfg: every
// field is present, including the ones still at their default value.
func Save(cfg *Config, path string) error {
	contents, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize config")
	}
	contents = append(contents, '\n')
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write config file %q", path)
	}
	return nil
}

// Validate checks the value ranges. It returns a *Error naming the first
// offending field.
func (cfg *Config) Validate() error {
	check := func(ok bool, field, hint string) error {
		if ok {
			return nil
		}
		return &Error{Field: field, Hint: hint}
	}
	for _, err := range []error{
		check(cfg.Data.VocabSize > 0, "Data.VocabSize", "must be > 0"),
		check(cfg.Data.MelBins > 0, "Data.MelBins", "must be > 0"),
		check(cfg.Data.NumSpeakers > 0, "Data.NumSpeakers", "must be > 0"),
		check(cfg.Model.EmbedDim > 0, "Model.EmbedDim", "must be > 0"),
		check(cfg.Model.Channels > 0, "Model.Channels", "must be > 0"),
		check(cfg.Model.SpeakerDim > 0, "Model.SpeakerDim", "must be > 0"),
		check(cfg.Model.Reduction >= 1, "Model.Reduction", "must be >= 1"),
		check(cfg.Train.BatchSize > 0, "Train.BatchSize", "must be > 0"),
		check(cfg.Train.TotalEpochs > 0, "Train.TotalEpochs", "must be > 0"),
		check(cfg.Train.LearningRate > 0, "Train.LearningRate", "must be > 0"),
		check(cfg.Train.WarmupSteps >= 0, "Train.WarmupSteps", "must be >= 0"),
		check(cfg.Train.KLWeightStart >= 0, "Train.KLWeightStart", "must be >= 0"),
		check(cfg.Train.KLWeightTarget >= cfg.Train.KLWeightStart,
			"Train.KLWeightTarget", "must be >= Train.KLWeightStart, the schedule never decreases"),
		check(cfg.Train.KLAnnealSteps >= 0, "Train.KLAnnealSteps", "must be >= 0"),
		check(cfg.Train.ClipGlobalNorm >= 0, "Train.ClipGlobalNorm", "must be >= 0, 0 disables clipping"),
		check(cfg.Train.MaxConsecutiveNonFinite > 0, "Train.MaxConsecutiveNonFinite", "must be > 0"),
		check(cfg.Train.KeepCheckpoints == -1 || cfg.Train.KeepCheckpoints >= 1,
			"Train.KeepCheckpoints", "must be >= 1, or -1 to keep everything"),
		check(cfg.Train.PrefetchBuffer >= 0, "Train.PrefetchBuffer", "must be >= 0"),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
