package databunch

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is one collated unit of training data: the `(spec, inputs, labels)` triple
// a train.Dataset yields, reified as a struct so transforms can take a batch and
// return a batch.
type Batch struct {
	Spec   any
	Inputs []*tensors.Tensor
	Labels []*tensors.Tensor
}

// Rows returns the effective number of examples in the batch, taken from the
// leading dimension of the first label tensor -- the labels may be a composite
// (more than one tensor), in which case the first one decides. If the batch has
// no labels, the first input decides instead. Scalar (rank-0) tensors count as
// one row.
func (b *Batch) Rows() int {
	var t *tensors.Tensor
	switch {
	case len(b.Labels) > 0:
		t = b.Labels[0]
	case len(b.Inputs) > 0:
		t = b.Inputs[0]
	default:
		return 0
	}
	shape := t.Shape()
	if shape.Rank() == 0 {
		return 1
	}
	return shape.Dimensions[0]
}

// finalizeAll frees all tensors held by the batch. It is only used on batches
// that are being discarded.
func (b *Batch) finalizeAll() {
	for _, slice := range [][]*tensors.Tensor{b.Inputs, b.Labels} {
		for _, t := range slice {
			t.FinalizeAll()
		}
	}
}

// Transform is a post-load batch transformation (e.g. normalization). Transforms
// receive the full batch, already on the target device, and return a full batch.
type Transform func(batch *Batch) (*Batch, error)

// Example is one un-collated element of a Dataset: the per-example inputs and
// labels tensor lists (usually one tensor each).
type Example struct {
	Inputs []*tensors.Tensor
	Labels []*tensors.Tensor
}

// Collate combines a list of examples into the batched inputs and labels tensors.
// All examples must have the same number of inputs and labels, with matching
// shapes slot by slot.
type Collate func(examples []Example) (inputs, labels []*tensors.Tensor, err error)

// StackCollate returns the default Collate: each tensor slot gains a new leading
// batch axis, and the examples are concatenated along it.
//
// It uses GoMLX to do the stacking, so the collated batch ends up already stored
// on the device the backend is configured with.
func StackCollate(backend backends.Backend) Collate {
	stackExec := MustNewExec(backend, func(parts []*Node) *Node {
		expanded := make([]*Node, 0, len(parts))
		for _, part := range parts {
			expanded = append(expanded, InsertAxes(part, 0))
		}
		if len(expanded) == 1 {
			return expanded[0]
		}
		return Concatenate(expanded, 0)
	})
	return func(examples []Example) (inputs, labels []*tensors.Tensor, err error) {
		if len(examples) == 0 {
			err = errors.Errorf("databunch: trying to collate zero examples")
			return
		}
		if err = checkExamplesMatch(examples); err != nil {
			return
		}
		inputs, err = stackSlot(stackExec, examples, func(e Example) []*tensors.Tensor { return e.Inputs })
		if err != nil {
			return
		}
		labels, err = stackSlot(stackExec, examples, func(e Example) []*tensors.Tensor { return e.Labels })
		return
	}
}

// checkExamplesMatch verifies every example has the same number of inputs and
// labels as the first one, with the same shapes.
func checkExamplesMatch(examples []Example) error {
	first := examples[0]
	inputsShapes := shapesOf(first.Inputs)
	labelsShapes := shapesOf(first.Labels)
	for ii := 1; ii < len(examples); ii++ {
		e := examples[ii]
		if len(e.Inputs) != len(inputsShapes) {
			return errors.Errorf("databunch: examples to be collated don't have all the same number of inputs: "+
				"seen %d and %d", len(inputsShapes), len(e.Inputs))
		}
		for jj, input := range e.Inputs {
			if !inputsShapes[jj].Equal(input.Shape()) {
				return errors.Errorf("databunch: input #%d has varying shapes across examples (seen %s and %s)",
					jj, inputsShapes[jj], input.Shape())
			}
		}
		if len(e.Labels) != len(labelsShapes) {
			return errors.Errorf("databunch: examples to be collated don't have all the same number of labels: "+
				"seen %d and %d", len(labelsShapes), len(e.Labels))
		}
		for jj, label := range e.Labels {
			if !labelsShapes[jj].Equal(label.Shape()) {
				return errors.Errorf("databunch: label #%d has varying shapes across examples (seen %s and %s)",
					jj, labelsShapes[jj], label.Shape())
			}
		}
	}
	return nil
}

func shapesOf(ts []*tensors.Tensor) []shapes.Shape {
	result := make([]shapes.Shape, 0, len(ts))
	for _, t := range ts {
		result = append(result, t.Shape())
	}
	return result
}

// stackSlot stacks the selected tensor lists of all examples, slot by slot.
func stackSlot(stackExec *Exec, examples []Example, sel func(Example) []*tensors.Tensor) ([]*tensors.Tensor, error) {
	numSlots := len(sel(examples[0]))
	if numSlots == 0 {
		return nil, nil
	}
	stacked := make([]*tensors.Tensor, 0, numSlots)
	parts := make([]any, len(examples))
	for slot := 0; slot < numSlots; slot++ {
		for ii, e := range examples {
			parts[ii] = sel(e)[slot]
		}
		var result *tensors.Tensor
		err := exceptions.TryCatch[error](func() { result = stackExec.MustExec(parts...)[0] })
		if err != nil {
			return nil, err
		}
		stacked = append(stacked, result)
	}
	return stacked, nil
}
