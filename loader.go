package databunch

import (
	"encoding/gob"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// Dataset is an indexable source of examples: the raw material a Loader batches
// from. Implementations must be safe for concurrent Example calls if they are
// going to be used with more than one worker.
type Dataset interface {
	// Name identifies the dataset, used for pretty-printing and error messages.
	Name() string

	// Len returns the number of examples available.
	Len() int

	// Example returns the i-th example. The returned tensors are owned by the
	// caller.
	Example(i int) (inputs, labels []*tensors.Tensor, err error)
}

// HasLossFn is an optional Dataset capability: a dataset that knows which loss
// its labels were built for. See DataBunch.LossFn.
type HasLossFn interface {
	LossFn() losses.LossFn
}

// GobExporter is an optional Dataset capability: serialization of the dataset
// in whatever format it chooses, driven by DataBunch.Export. The encoding is
// opaque to this package.
type GobExporter interface {
	GobSerialize(enc *gob.Encoder) error
}

// BatchShower is an optional Dataset capability: visual inspection of one batch
// of data, driven by DataBunch.ShowBatch. How the items are reconstructed and
// displayed is entirely the dataset's business.
type BatchShower interface {
	ShowBatch(inputs, labels []*tensors.Tensor, rows int) error
}

// Loader is the batch-loading contract DeviceLoader and DataBunch build on: a
// train.Dataset that yields collated batches, plus the enumerated pass-through
// surface (batch size, worker count, collation and the source dataset).
//
// IndexedLoader is the reference implementation; *DeviceLoader itself also
// satisfies Loader, so loaders compose.
type Loader interface {
	train.Dataset

	// Source returns the underlying indexable dataset.
	Source() Dataset

	// BatchSize returns the number of examples per yielded batch.
	BatchSize() int

	// SetBatchSize changes the batch size for subsequent yields.
	SetBatchSize(n int)

	// NumWorkers returns how many examples of a batch are fetched concurrently.
	NumWorkers() int

	// SetNumWorkers changes the worker parallelism, effective on the next yield.
	// Zero means fully synchronous fetching.
	SetNumWorkers(n int)

	// NumBatches returns the number of batches in one epoch at the current
	// batch size, counting a final partial batch.
	NumBatches() int

	// SetCollate replaces the collation function for subsequent yields.
	SetCollate(collate Collate)
}

// DefaultBatchSize is used by constructors when given a batch size <= 0.
const DefaultBatchSize = 64

// IndexedLoader is a Loader over an indexable Dataset: each epoch it walks a
// permutation of the example indices (shuffled anew per epoch, if configured),
// fetches the examples -- concurrently when NumWorkers > 1 -- and collates them
// into batches. Batches are always yielded in index order; the final batch of
// an epoch may be partial.
type IndexedLoader struct {
	backend backends.Backend
	source  Dataset

	mu         sync.Mutex
	collate    Collate
	batchSize  int
	shuffle    bool
	numWorkers int
	rng        *rand.Rand
	order      []int
	next       int
}

var _ Loader = (*IndexedLoader)(nil)

// NewIndexedLoader creates an IndexedLoader over source.
//
//   - batchSize: examples per batch; <= 0 means DefaultBatchSize.
//   - shuffle: whether to reshuffle the example order at every Reset.
//   - numWorkers: concurrent example fetches per batch; 0 for synchronous.
//   - collate: nil means StackCollate(backend).
func NewIndexedLoader(backend backends.Backend, source Dataset, batchSize int, shuffle bool,
	numWorkers int, collate Collate) *IndexedLoader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if numWorkers < 0 {
		numWorkers = 0
	}
	if collate == nil {
		collate = StackCollate(backend)
	}
	return &IndexedLoader{
		backend:    backend,
		source:     source,
		collate:    collate,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name implements train.Dataset.
func (l *IndexedLoader) Name() string {
	return fmt.Sprintf("%s [batched]", l.source.Name())
}

// Source implements Loader.
func (l *IndexedLoader) Source() Dataset { return l.source }

// BatchSize implements Loader.
func (l *IndexedLoader) BatchSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.batchSize
}

// SetBatchSize implements Loader.
func (l *IndexedLoader) SetBatchSize(n int) {
	if n <= 0 {
		n = DefaultBatchSize
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batchSize = n
}

// NumWorkers implements Loader.
func (l *IndexedLoader) NumWorkers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.numWorkers
}

// SetNumWorkers implements Loader.
func (l *IndexedLoader) SetNumWorkers(n int) {
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.numWorkers = n
}

// NumBatches implements Loader.
func (l *IndexedLoader) NumBatches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (l.source.Len() + l.batchSize - 1) / l.batchSize
}

// SetCollate implements Loader.
func (l *IndexedLoader) SetCollate(collate Collate) {
	if collate == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.collate = collate
}

// Reset implements train.Dataset: it restarts the epoch, reshuffling the
// example order if the loader was created with shuffle.
func (l *IndexedLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockedRegenOrder()
}

// lockedRegenOrder rebuilds the index permutation. Must be called with l.mu held.
func (l *IndexedLoader) lockedRegenOrder() {
	n := l.source.Len()
	if cap(l.order) >= n {
		l.order = l.order[:n]
	} else {
		l.order = make([]int, n)
	}
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.next = 0
}

// Yield implements train.Dataset: it returns the next collated batch, or io.EOF
// once the epoch is exhausted (and until Reset is called).
func (l *IndexedLoader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	l.mu.Lock()
	if l.order == nil {
		l.lockedRegenOrder()
	}
	if l.next >= len(l.order) {
		l.mu.Unlock()
		err = io.EOF
		return
	}
	end := min(l.next+l.batchSize, len(l.order))
	indices := l.order[l.next:end]
	l.next = end
	workers := l.numWorkers
	collate := l.collate
	l.mu.Unlock()

	examples := make([]Example, len(indices))
	if workers > 1 {
		err = l.fetchParallel(indices, examples, workers)
	} else {
		err = l.fetchSerial(indices, examples)
	}
	if err != nil {
		return
	}
	inputs, labels, err = collate(examples)
	if err != nil {
		return
	}
	spec = l.source
	return
}

func (l *IndexedLoader) fetchSerial(indices []int, examples []Example) error {
	for slot, idx := range indices {
		ins, lbs, err := l.source.Example(idx)
		if err != nil {
			return err
		}
		examples[slot] = Example{Inputs: ins, Labels: lbs}
	}
	return nil
}

// fetchParallel fan-outs the example fetches of one batch, capped at workers
// goroutines. The first error wins; the others are discarded.
func (l *IndexedLoader) fetchParallel(indices []int, examples []Example, workers int) error {
	var (
		wg       sync.WaitGroup
		muErr    sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, workers)
	for slot, idx := range indices {
		wg.Add(1)
		go func(slot, idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			ins, lbs, err := l.source.Example(idx)
			if err != nil {
				muErr.Lock()
				if firstErr == nil {
					firstErr = err
				}
				muErr.Unlock()
				return
			}
			examples[slot] = Example{Inputs: ins, Labels: lbs}
		}(slot, idx)
	}
	wg.Wait()
	return firstErr
}
