package train

import "github.com/pkg/errors"

var (
	// ErrNonFinite reports a run that exceeded the configured number of
	// consecutive non-finite-gradient steps. Single skipped steps are
	// recovered locally and never surface as errors.
	ErrNonFinite = errors.New("non-finite gradients persisted across consecutive steps")

	// ErrInterrupted reports a run stopped by external cancellation. The
	// loop finishes the in-flight step and saves a checkpoint before
	// returning it, so the run is resumable.
	ErrInterrupted = errors.New("training interrupted")
)
