package databunch

import (
	"encoding/gob"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

var (
	backendOnce sync.Once
	testBackend backends.Backend
)

func buildTestBackend() backends.Backend {
	backendOnce.Do(func() {
		var err error
		testBackend, err = simplego.New("")
		if err != nil {
			panic(err)
		}
	})
	return testBackend
}

// rangeDataset yields deterministic examples: example i has input
// [i, i+0.5, i+0.25] and label [-i].
type rangeDataset struct {
	name        string
	numExamples int
	failAt      int // index whose Example call fails; -1 disables.
}

func newRangeDataset(name string, numExamples int) *rangeDataset {
	return &rangeDataset{name: name, numExamples: numExamples, failAt: -1}
}

func (ds *rangeDataset) Name() string { return ds.name }
func (ds *rangeDataset) Len() int     { return ds.numExamples }

func (ds *rangeDataset) Example(i int) (inputs, labels []*tensors.Tensor, err error) {
	if i == ds.failAt {
		return nil, nil, errors.Errorf("broken example #%d", i)
	}
	v := float32(i)
	inputs = []*tensors.Tensor{tensors.FromValue([]float32{v, v + 0.5, v + 0.25})}
	labels = []*tensors.Tensor{tensors.FromValue([]float32{-v})}
	return
}

// lossDataset is a rangeDataset that declares its own loss.
type lossDataset struct {
	*rangeDataset
	lossFn losses.LossFn
}

func (ds *lossDataset) LossFn() losses.LossFn { return ds.lossFn }

// exportableDataset is a rangeDataset that supports gob export.
type exportableDataset struct {
	*rangeDataset
}

func (ds *exportableDataset) GobSerialize(enc *gob.Encoder) error {
	return enc.Encode(ds.numExamples)
}

// showerDataset is a rangeDataset that records ShowBatch calls.
type showerDataset struct {
	*rangeDataset
	shownRows   int
	shownInputs []*tensors.Tensor
}

func (ds *showerDataset) ShowBatch(inputs, labels []*tensors.Tensor, rows int) error {
	ds.shownRows = rows
	ds.shownInputs = inputs
	return nil
}

// addOneTransform returns a transform that adds 1 to the first input tensor.
// It deliberately doesn't share its closure with doubleTransform, so the two
// stay distinguishable by RemoveTransform.
func addOneTransform(backend backends.Backend) Transform {
	exec := MustNewExec(backend, func(x *Node) *Node { return AddScalar(x, 1) })
	return func(b *Batch) (*Batch, error) {
		var result *tensors.Tensor
		err := exceptions.TryCatch[error](func() { result = exec.MustExec(b.Inputs[0])[0] })
		if err != nil {
			return nil, err
		}
		b.Inputs[0] = result
		return b, nil
	}
}

// doubleTransform returns a transform that doubles the first input tensor.
func doubleTransform(backend backends.Backend) Transform {
	exec := MustNewExec(backend, func(x *Node) *Node { return MulScalar(x, 2) })
	return func(b *Batch) (*Batch, error) {
		var result *tensors.Tensor
		err := exceptions.TryCatch[error](func() { result = exec.MustExec(b.Inputs[0])[0] })
		if err != nil {
			return nil, err
		}
		b.Inputs[0] = result
		return b, nil
	}
}

// firstInputValues reads the first input tensor of a yielded batch back as a
// 2D float32 slice.
func firstInputValues(inputs []*tensors.Tensor) [][]float32 {
	return inputs[0].Value().([][]float32)
}
