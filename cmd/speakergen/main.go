// speakergen trains a speaker-generative TTS model: a non-attentive
// Tacotron whose speaker embeddings are latent variables with learned
// posteriors, optimized with a variational lower bound so novel speakers
// can later be sampled from the prior.
//
// Usage:
//
//	speakergen train --data_dir=PATH [--config=PATH] [--load_epoch=N] [flags]
//
// Exit codes: 0 on completion, 1 on failure (the message names the failure
// kind), 2 when interrupted after a clean checkpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	mlcontext "github.com/gomlx/gomlx/ml/context"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/speakergen/checkpoint"
	"github.com/gomlx/speakergen/config"
	"github.com/gomlx/speakergen/corpus"
	"github.com/gomlx/speakergen/scalars"
	"github.com/gomlx/speakergen/train"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitInterrupted = 2
)

// loadEpochFresh is the --load_epoch default: start fresh.
const loadEpochFresh = -2

var (
	flagDataDir = flag.String("data_dir", "", "Dataset root directory (required unless --synthetic is set).")
	flagConfig  = flag.String("config", "", "Optional JSON config override file; absent fields keep defaults.")
	flagLoadEpoch = flag.Int("load_epoch", loadEpochFresh,
		"Checkpoint epoch to resume from; -1 resumes the latest. Default starts fresh.")
	flagSynthetic = flag.Int("synthetic", 0,
		"Train on N batches/epoch of deterministic synthetic data instead of --data_dir. For smoke tests.")
	flagCheckpointDir = flag.String("checkpoint", "", "Checkpoint directory; overrides the config's Train.CheckpointDir.")
	flagLogDir        = flag.String("log_dir", "", "Scalar log directory; overrides the config's Train.LogDir.")
	flagProgress      = flag.Bool("progressbar", true, "Show a progress bar during training.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	if len(os.Args) < 2 || os.Args[1] != "train" {
		usage()
		os.Exit(exitFailed)
	}
	must.M(flag.CommandLine.Parse(os.Args[2:]))
	os.Exit(runTrain())
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"Usage: %s train --data_dir=PATH [--config=PATH] [--load_epoch=N] [flags]\n\nFlags:\n",
		os.Args[0])
	flag.PrintDefaults()
}

func runTrain() int {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return fail("config", err)
	}
	if *flagCheckpointDir != "" {
		cfg.Train.CheckpointDir = *flagCheckpointDir
	}
	if *flagLogDir != "" {
		cfg.Train.LogDir = *flagLogDir
	}

	var ds train.Dataset
	switch {
	case *flagSynthetic > 0:
		ds = corpus.Synthetic(cfg, cfg.Train.Seed, *flagSynthetic)
	case *flagDataDir == "":
		return fail("config", errors.New("--data_dir is required (or use --synthetic)"))
	default:
		cfg.Data.Dir = *flagDataDir
		loaded, err := corpus.Load(*flagDataDir, cfg)
		if err != nil {
			return fail("dataset", err)
		}
		ds = loaded
	}
	ds = train.Prefetch(ds, cfg.Train.PrefetchBuffer)

	mgr, err := checkpoint.New(cfg.Train.CheckpointDir, cfg.Train.KeepCheckpoints)
	if err != nil {
		return fail("checkpoint", err)
	}
	sink := scalars.NewWriter(cfg.Train.LogDir)
	defer sink.Close()

	backend := backends.MustNew()
	klog.Infof("backend %q: %s", backend.Name(), backend.Description())
	runID := uuid.NewString()

	loop := train.NewLoop(backend, mlcontext.New(), cfg, ds, mgr, sink, runID)
	if *flagProgress {
		attachProgressBar(loop, ds.Len())
	}

	resume := train.ResumeFresh
	if *flagLoadEpoch != loadEpochFresh {
		resume = train.Resume(*flagLoadEpoch)
	}

	// SIGINT/SIGTERM stop the run at the next step boundary, after a final
	// checkpoint.
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = loop.Run(runCtx, resume)
	switch {
	case err == nil:
		fmt.Println("\ntraining finished")
		return exitOK
	case errors.Is(err, train.ErrInterrupted):
		fmt.Printf("\ninterrupted, state saved: %+v\n", err)
		return exitInterrupted
	case errors.Is(err, checkpoint.ErrNotFound):
		return fail("checkpoint-not-found", err)
	case errors.Is(err, checkpoint.ErrCorrupt):
		return fail("checkpoint-corrupt",
			errors.WithMessagef(err, "delete or repair the corrupt bundle and retry"))
	case errors.Is(err, train.ErrNonFinite):
		return fail("non-finite", err)
	default:
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return fail("config", err)
		}
		return fail("training", err)
	}
}

func fail(kind string, err error) int {
	fmt.Fprintf(os.Stderr, "speakergen: %s error: %+v\n", kind, err)
	return exitFailed
}

func attachProgressBar(loop *train.Loop, batchesPerEpoch int) {
	totalSteps := loop.Config().Train.TotalEpochs * batchesPerEpoch
	bar := progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription(
			fmt.Sprintf("Training (%s steps): ", humanize.Comma(int64(totalSteps)))),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	loop.OnStep("progressbar", 100, func(loop *train.Loop, m train.Metrics) error {
		_ = bar.Set64(m.GlobalStep)
		bar.Describe(fmt.Sprintf("epoch %d loss=%.4f (recon=%.4f kl=%.4f): ",
			loop.Epoch(), m.Loss, m.Recon, m.KL))
		return nil
	})
	loop.OnEnd("progressbar", 100, func(loop *train.Loop) error {
		return bar.Finish()
	})
}
