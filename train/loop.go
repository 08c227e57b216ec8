// Package train drives the training run: the Trainer compiles and executes
// one optimization step, and the Loop orchestrates epochs, checkpointing,
// resume, metric reporting and failure escalation around it.
package train

import (
	"context"
	"io"
	"sort"

	"github.com/gomlx/gomlx/backends"
	mlcontext "github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/speakergen/checkpoint"
	"github.com/gomlx/speakergen/config"
	"github.com/gomlx/speakergen/scalars"
)

// State of the Loop. Transitions: Initializing -> Running <-> Checkpointing
// -> Finished | Failed.
type State int

const (
	Initializing State = iota
	Running
	Checkpointing
	Finished
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Checkpointing:
		return "Checkpointing"
	case Finished:
		return "Finished"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Resume selects the Loop's starting state.
type Resume int

const (
	// ResumeFresh starts from a seeded fresh initialization.
	ResumeFresh Resume = -2

	// ResumeLatest restores the highest-epoch checkpoint present.
	ResumeLatest Resume = -1

	// Any value >= 0 restores that specific epoch's checkpoint.
)

// OnStepFn is called after every completed training step.
type OnStepFn func(loop *Loop, metrics Metrics) error

// OnEndFn is called once when the run reaches Finished.
type OnEndFn func(loop *Loop) error

type hook[F any] struct {
	name     string
	priority int
	fn       F
}

// Loop owns the training run. Construct with NewLoop, attach hooks, then
// call Run once.
type Loop struct {
	backend backends.Backend
	ctx     *mlcontext.Context
	cfg     *config.Config
	trainer *Trainer
	ds      Dataset
	mgr     *checkpoint.Manager
	sink    *scalars.Writer
	runID   string

	state State
	epoch int

	onStep []hook[OnStepFn]
	onEnd  []hook[OnEndFn]
}

// NewLoop assembles a Loop. sink may be a disabled writer but not nil; runID
// identifies this run in checkpoints and logs.
func NewLoop(backend backends.Backend, ctx *mlcontext.Context, cfg *config.Config,
	ds Dataset, mgr *checkpoint.Manager, sink *scalars.Writer, runID string) *Loop {
	return &Loop{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		ds:      ds,
		mgr:     mgr,
		sink:    sink,
		runID:   runID,
		state:   Initializing,
	}
}

// State of the loop; valid to read after Run returns (Finished or Failed)
// or from hooks.
func (l *Loop) State() State { return l.state }

// Epoch currently being trained (0-based).
func (l *Loop) Epoch() int { return l.epoch }

// Config of the run.
func (l *Loop) Config() *config.Config { return l.cfg }

// OnStep registers fn to run after each step, ordered by ascending priority.
func (l *Loop) OnStep(name string, priority int, fn OnStepFn) {
	l.onStep = append(l.onStep, hook[OnStepFn]{name, priority, fn})
	sort.SliceStable(l.onStep, func(i, j int) bool { return l.onStep[i].priority < l.onStep[j].priority })
}

// OnEnd registers fn to run once on normal completion, ordered by ascending
// priority.
func (l *Loop) OnEnd(name string, priority int, fn OnEndFn) {
	l.onEnd = append(l.onEnd, hook[OnEndFn]{name, priority, fn})
	sort.SliceStable(l.onEnd, func(i, j int) bool { return l.onEnd[i].priority < l.onEnd[j].priority })
}

// Run executes the training run to completion, a checkpoint failure, or
// cancellation. Cancellation via runCtx is honored at step boundaries: the
// in-flight step completes, a checkpoint is saved, and ErrInterrupted is
// returned.
func (l *Loop) Run(runCtx context.Context, resume Resume) error {
	startEpoch, err := l.initialize(resume)
	if err != nil {
		return l.fail(err)
	}
	l.trainer = NewTrainer(l.backend, l.ctx, l.cfg)

	// Release a prefetching dataset's producer goroutine on any exit path.
	if stopper, ok := l.ds.(interface{ Stop() }); ok {
		defer stopper.Stop()
	}

	l.state = Running
	consecutiveNonFinite := 0
	stepsSinceCheckpoint := 0
	for l.epoch = startEpoch; l.epoch < l.cfg.Train.TotalEpochs; l.epoch++ {
		if err := l.ds.Reset(l.epoch); err != nil {
			return l.fail(errors.WithMessagef(err, "failed to reset dataset %q for epoch %d",
				l.ds.Name(), l.epoch))
		}
		for {
			if err := runCtx.Err(); err != nil {
				return l.interrupt()
			}
			batch, err := l.ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return l.fail(errors.WithMessagef(err, "dataset %q failed at epoch %d",
					l.ds.Name(), l.epoch))
			}

			metrics, err := l.trainer.Step(batch)
			if err != nil {
				return l.fail(errors.WithMessagef(err, "epoch %d", l.epoch))
			}
			l.report(metrics)

			if metrics.Skipped {
				consecutiveNonFinite++
				klog.Warningf("non-finite gradients at epoch %d step %d, update skipped (%d consecutive)",
					l.epoch, metrics.GlobalStep, consecutiveNonFinite)
				if consecutiveNonFinite >= l.cfg.Train.MaxConsecutiveNonFinite {
					return l.fail(errors.Wrapf(ErrNonFinite,
						"%d consecutive skipped steps, last at epoch %d step %d",
						consecutiveNonFinite, l.epoch, metrics.GlobalStep))
				}
			} else {
				consecutiveNonFinite = 0
			}

			for _, h := range l.onStep {
				if err := h.fn(l, metrics); err != nil {
					return l.fail(errors.WithMessagef(err, "hook %q at epoch %d step %d",
						h.name, l.epoch, metrics.GlobalStep))
				}
			}

			stepsSinceCheckpoint++
			if l.cfg.Train.CheckpointEverySteps > 0 &&
				stepsSinceCheckpoint >= l.cfg.Train.CheckpointEverySteps {
				// Mid-epoch safety net: overwrites the current epoch's slot.
				if err := l.checkpointAt(l.epoch); err != nil {
					return l.fail(err)
				}
				stepsSinceCheckpoint = 0
			}
		}
		// The epoch-end bundle is keyed by epochs completed, so a resume
		// from slot N continues with epoch N.
		if err := l.checkpointAt(l.epoch + 1); err != nil {
			return l.fail(err)
		}
		stepsSinceCheckpoint = 0
	}

	l.state = Finished
	for _, h := range l.onEnd {
		if err := h.fn(l); err != nil {
			klog.Warningf("end hook %q failed: %v", h.name, err)
		}
	}
	klog.Infof("training finished: %d epochs, run=%s", l.cfg.Train.TotalEpochs, l.runID)
	return nil
}

// initialize resolves the resume decision and returns the first epoch to
// train. On a fresh start it seeds the context RNG; on resume it plugs the
// checkpoint manager in as the context's variable loader, so the restored
// values (including RNG state and the global step) take over lazily.
func (l *Loop) initialize(resume Resume) (startEpoch int, err error) {
	if resume == ResumeFresh {
		l.ctx.RngStateFromSeed(l.cfg.Train.Seed)
		klog.Infof("fresh start: seed=%d run=%s", l.cfg.Train.Seed, l.runID)
		return 0, nil
	}
	var manifest *checkpoint.Manifest
	if resume == ResumeLatest {
		manifest, _, err = l.mgr.LoadLatest()
	} else {
		manifest, _, err = l.mgr.Load(int(resume))
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "cannot resume")
	}
	l.ctx.SetLoader(l.mgr)
	klog.Infof("resuming at epoch %d (global step %d) from run %s",
		manifest.Epoch, manifest.GlobalStep, manifest.RunID)
	return manifest.Epoch, nil
}

func (l *Loop) checkpointAt(epoch int) error {
	l.state = Checkpointing
	defer func() { l.state = Running }()
	if err := l.mgr.Save(l.ctx, l.cfg, epoch, l.runID); err != nil {
		return errors.WithMessagef(err, "checkpoint at epoch %d", epoch)
	}
	return nil
}

// interrupt saves a final checkpoint under the current epoch slot and
// reports the cancellation. The saved state is mid-epoch; resuming from it
// restarts the interrupted epoch.
func (l *Loop) interrupt() error {
	klog.Infof("interrupt at epoch %d, saving checkpoint before exit", l.epoch)
	if err := l.checkpointAt(l.epoch); err != nil {
		return l.fail(err)
	}
	l.state = Finished
	return errors.Wrapf(ErrInterrupted, "stopped at epoch %d, checkpoint saved", l.epoch)
}

func (l *Loop) fail(err error) error {
	l.state = Failed
	return err
}

// report streams the step's scalars to the log sink.
func (l *Loop) report(m Metrics) {
	step := float64(m.GlobalStep)
	skipped := 0.0
	if m.Skipped {
		skipped = 1.0
	}
	l.sink.Add(
		scalars.Point{MetricName: "total_loss", MetricType: "loss", Step: step, Value: m.Loss},
		scalars.Point{MetricName: "recon_loss", MetricType: "loss", Step: step, Value: m.Recon},
		scalars.Point{MetricName: "kl", MetricType: "loss", Step: step, Value: m.KL},
		scalars.Point{MetricName: "kl_weight", MetricType: "schedule", Step: step, Value: m.KLWeight},
		scalars.Point{MetricName: "learning_rate", MetricType: "schedule", Step: step, Value: m.LearningRate},
		scalars.Point{MetricName: "skipped_step", MetricType: "health", Step: step, Value: skipped},
	)
}
