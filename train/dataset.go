package train

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Indexes of the batch tensors yielded by a Dataset.
const (
	BatchTokens     = iota // [batch, seqLen] int32, 0-padded token ids.
	BatchTokenLens         // [batch] int32.
	BatchMels              // [batch, melFrames, melBins] float32.
	BatchMelLens           // [batch] int32.
	BatchSpeakerIDs        // [batch] int32.
	BatchNumTensors
)

// Dataset is the data collaborator contract: a finite, restartable sequence
// of fixed-shape batches. One pass over the sequence is one epoch.
//
// Implementations need not be safe for concurrent Yield calls; the loop is
// single-threaded and Prefetch provides the only concurrency.
type Dataset interface {
	// Name of the dataset, for logging.
	Name() string

	// Yield returns the tensors of the next batch, indexed by the Batch*
	// constants, or io.EOF once the epoch is exhausted. The caller consumes
	// each batch exactly once.
	Yield() ([]*tensors.Tensor, error)

	// Reset re-derives the epoch's batch sequence: same number of batches,
	// possibly reordered. It must be called before the first Yield of every
	// epoch, including the first; passing the epoch number makes the
	// shuffle a pure function of (seed, epoch), so a resumed run sees the
	// same order as an uninterrupted one.
	Reset(epoch int) error

	// Len is the number of batches per epoch.
	Len() int
}

type prefetchItem struct {
	batch []*tensors.Tensor
	err   error
}

// prefetchDataset wraps a Dataset with a single background producer feeding
// a bounded channel: the loop never waits for disk I/O unless the producer
// falls behind, and the producer blocks (backpressure) when the loop does.
type prefetchDataset struct {
	ds     Dataset
	buffer int

	items chan prefetchItem
	stop  chan struct{}
}

// Prefetch wraps ds so batches are produced in the background, up to buffer
// batches ahead. buffer <= 0 returns ds unchanged.
//
// Call Stop (type-asserted, or via the Loop which does it) to release the
// producer goroutine when abandoning an epoch midway.
func Prefetch(ds Dataset, buffer int) Dataset {
	if buffer <= 0 {
		return ds
	}
	return &prefetchDataset{ds: ds, buffer: buffer}
}

func (p *prefetchDataset) Name() string {
	return fmt.Sprintf("prefetch(%s)", p.ds.Name())
}

func (p *prefetchDataset) Len() int { return p.ds.Len() }

// Reset stops the previous epoch's producer, resets the wrapped dataset and
// starts a fresh producer for the new epoch.
func (p *prefetchDataset) Reset(epoch int) error {
	p.Stop()
	if err := p.ds.Reset(epoch); err != nil {
		return err
	}
	p.items = make(chan prefetchItem, p.buffer)
	p.stop = make(chan struct{})
	go p.produce(p.items, p.stop)
	return nil
}

func (p *prefetchDataset) produce(items chan<- prefetchItem, stop <-chan struct{}) {
	defer close(items)
	for {
		batch, err := p.ds.Yield()
		select {
		case items <- prefetchItem{batch: batch, err: err}:
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (p *prefetchDataset) Yield() ([]*tensors.Tensor, error) {
	if p.items == nil {
		return nil, errors.New("prefetch dataset used before Reset")
	}
	item, ok := <-p.items
	if !ok {
		return nil, io.EOF
	}
	return item.batch, item.err
}

// Stop releases the producer goroutine. Safe to call repeatedly.
func (p *prefetchDataset) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	// Drain so the producer unblocks if mid-send.
	for range p.items {
	}
	p.stop = nil
	p.items = nil
}
