package databunch

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Normalizer is an invertible input-scaling transform: forward it maps
// x -> (x-mean)/stddev, and Denorm maps back, for human-readable inspection of
// batches. mean and stddev must broadcast against the batches they are applied
// to (typically shaped [1, ..., numFeatures]).
type Normalizer struct {
	backend      backends.Backend
	mean, stddev *tensors.Tensor

	// DoLabels selects whether the labels are normalized and de-normalized
	// along with the inputs. It defaults to true; float labels only -- other
	// label dtypes are passed through untouched either way.
	DoLabels bool

	applyExec, denormExec *Exec
}

// NewNormalizer creates a Normalizer with the given statistics. Zeros in stddev
// are replaced by ones, so constant features survive the round trip instead of
// dividing by zero.
func NewNormalizer(backend backends.Backend, mean, stddev *tensors.Tensor) (*Normalizer, error) {
	if !mean.DType().IsFloat() || !stddev.DType().IsFloat() {
		return nil, errors.Errorf("databunch: normalizer statistics must be floats, got mean %s and stddev %s",
			mean.Shape(), stddev.Shape())
	}
	n := &Normalizer{
		backend:  backend,
		mean:     mean,
		DoLabels: true,
	}
	sanitizeExec := MustNewExec(backend, datasets.ReplaceZerosByOnes)
	err := exceptions.TryCatch[error](func() { n.stddev = sanitizeExec.MustExec(stddev)[0] })
	if err != nil {
		return nil, errors.WithMessagef(err, "databunch: failed to sanitize stddev %s", stddev.Shape())
	}
	n.applyExec = MustNewExec(backend, func(x *Node) *Node {
		g := x.Graph()
		return Div(Sub(x, ConstCachedTensor(g, n.mean)), ConstCachedTensor(g, n.stddev))
	})
	n.denormExec = MustNewExec(backend, func(x *Node) *Node {
		g := x.Graph()
		return Add(Mul(x, ConstCachedTensor(g, n.stddev)), ConstCachedTensor(g, n.mean))
	})
	return n, nil
}

// NormalizerFromLoader measures mean and stddev of the first input tensor by
// streaming one full epoch of loader, then builds a Normalizer from them.
//
// independentAxes lists the axes that should not be normalized together; the
// typical value is -1, so each feature gets its own statistics.
func NormalizerFromLoader(backend backends.Backend, loader train.Dataset, independentAxes ...int) (*Normalizer, error) {
	loader.Reset()
	mean, stddev, err := datasets.Normalization(backend, loader, 0, independentAxes...)
	if err != nil {
		return nil, errors.WithMessagef(err, "databunch: failed to measure normalization statistics from %q",
			loader.Name())
	}
	return NewNormalizer(backend, mean, stddev)
}

// Mean returns the (possibly measured) mean statistic.
func (n *Normalizer) Mean() *tensors.Tensor { return n.mean }

// Stddev returns the stddev statistic, with zeros already replaced by ones.
func (n *Normalizer) Stddev() *tensors.Tensor { return n.stddev }

// Apply normalizes one tensor.
func (n *Normalizer) Apply(t *tensors.Tensor) (*tensors.Tensor, error) {
	return n.run(n.applyExec, t)
}

// Denorm applies the inverse scaling to one tensor.
func (n *Normalizer) Denorm(t *tensors.Tensor) (*tensors.Tensor, error) {
	return n.run(n.denormExec, t)
}

func (n *Normalizer) run(exec *Exec, t *tensors.Tensor) (*tensors.Tensor, error) {
	if !t.DType().IsFloat() {
		return nil, errors.Errorf("databunch: normalizer only accepts float tensors, got %s", t.Shape())
	}
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() { result = exec.MustExec(t)[0] })
	if err != nil {
		return nil, errors.WithMessagef(err, "databunch: normalizer failed on tensor %s", t.Shape())
	}
	return result, nil
}

// Transform returns the forward normalization as a batch Transform: it scales
// the first input tensor, and the first label tensor when DoLabels is set and
// the labels are floats.
func (n *Normalizer) Transform() Transform {
	return func(b *Batch) (*Batch, error) {
		if len(b.Inputs) > 0 {
			normalized, err := n.Apply(b.Inputs[0])
			if err != nil {
				return nil, err
			}
			b.Inputs[0] = normalized
		}
		if n.DoLabels && len(b.Labels) > 0 && b.Labels[0].DType().IsFloat() {
			normalized, err := n.Apply(b.Labels[0])
			if err != nil {
				return nil, err
			}
			b.Labels[0] = normalized
		}
		return b, nil
	}
}

// denormAll applies Denorm to every float tensor of ts, passing the others
// through untouched.
func (n *Normalizer) denormAll(ts []*tensors.Tensor) ([]*tensors.Tensor, error) {
	result := make([]*tensors.Tensor, len(ts))
	for ii, t := range ts {
		if !t.DType().IsFloat() {
			result[ii] = t
			continue
		}
		denormed, err := n.Denorm(t)
		if err != nil {
			return nil, err
		}
		result[ii] = denormed
	}
	return result, nil
}
