package databunch

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DeviceLoader binds a Loader to a compute device: every batch it yields has
// been uploaded to the target device and run through the registered transforms,
// in registration order.
//
// When skip-singles is set, batches whose effective row count is one are
// silently dropped -- batch-normalization layers choke on singleton batches.
// In that case the configured batch size must be larger than one, otherwise
// every batch would be dropped; yielding with that misconfiguration panics.
//
// DeviceLoader satisfies Loader (and therefore train.Dataset), so it can be
// handed directly to a training loop.
type DeviceLoader struct {
	backend backends.Backend
	device  backends.DeviceNum
	loader  Loader

	tfms        []Transform
	skipSingles bool
}

var _ Loader = (*DeviceLoader)(nil)

// NewDeviceLoader wraps loader, binding it to the given device. The transform
// list is copied, and the loader's collation function is replaced by collate
// when one is given.
func NewDeviceLoader(backend backends.Backend, device backends.DeviceNum, loader Loader,
	tfms []Transform, collate Collate) *DeviceLoader {
	if collate != nil {
		loader.SetCollate(collate)
	}
	return &DeviceLoader{
		backend: backend,
		device:  device,
		loader:  loader,
		tfms:    slices.Clone(tfms),
	}
}

// NewDeviceLoaderFromDataset creates an IndexedLoader over source and wraps it.
// batchSize <= 0 means DefaultBatchSize; a nil collate means
// StackCollate(backend).
func NewDeviceLoaderFromDataset(backend backends.Backend, device backends.DeviceNum, source Dataset,
	batchSize int, shuffle bool, tfms []Transform, numWorkers int, collate Collate) *DeviceLoader {
	loader := NewIndexedLoader(backend, source, batchSize, shuffle, numWorkers, collate)
	return NewDeviceLoader(backend, device, loader, tfms, nil)
}

// SkipSingles reports whether singleton batches are being dropped.
func (dl *DeviceLoader) SkipSingles() bool { return dl.skipSingles }

// SetSkipSingles enables or disables dropping of singleton batches.
func (dl *DeviceLoader) SetSkipSingles(enable bool) { dl.skipSingles = enable }

// AddTransform appends tfm to the transform list: it will be applied last.
func (dl *DeviceLoader) AddTransform(tfm Transform) {
	dl.tfms = append(dl.tfms, tfm)
}

// RemoveTransform removes the first registered transform with the same function
// pointer as tfm. It is a no-op if no transform matches.
//
// Closures built from the same function literal share a function pointer and
// are indistinguishable here: when registering more than one instance of the
// same parametrized transform, remove them in registration order.
func (dl *DeviceLoader) RemoveTransform(tfm Transform) {
	ptr := reflect.ValueOf(tfm).Pointer()
	for ii, t := range dl.tfms {
		if reflect.ValueOf(t).Pointer() == ptr {
			dl.tfms = slices.Delete(dl.tfms, ii, ii+1)
			return
		}
	}
}

// Transforms returns a copy of the current transform list.
func (dl *DeviceLoader) Transforms() []Transform { return slices.Clone(dl.tfms) }

// ProcBatch uploads every tensor of b to the target device and then applies the
// registered transforms in order. It is what Yield runs on every batch, exposed
// so single batches can be processed outside iteration.
func (dl *DeviceLoader) ProcBatch(b *Batch) (*Batch, error) {
	for _, slice := range [][]*tensors.Tensor{b.Inputs, b.Labels} {
		for _, t := range slice {
			err := exceptions.TryCatch[error](func() {
				t.MaterializeOnDevices(dl.backend, false, dl.device)
				t.FinalizeLocal()
			})
			if err != nil {
				return nil, errors.WithMessagef(err, "databunch: loader %q failed to upload tensor to device %d",
					dl.loader.Name(), dl.device)
			}
		}
	}
	var err error
	for _, tfm := range dl.tfms {
		b, err = tfm(b)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Yield implements train.Dataset. Errors from the wrapped loader, including
// io.EOF at the end of the epoch, propagate unmodified.
func (dl *DeviceLoader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if dl.skipSingles && dl.loader.BatchSize() <= 1 {
		exceptions.Panicf("databunch: loader %q has skip-singles set, but its batch size is %d -- it must be > 1",
			dl.loader.Name(), dl.loader.BatchSize())
	}
	for {
		spec, inputs, labels, err = dl.loader.Yield()
		if err != nil {
			return
		}
		batch := &Batch{Spec: spec, Inputs: inputs, Labels: labels}
		if dl.skipSingles && batch.Rows() == 1 {
			batch.finalizeAll()
			continue
		}
		batch, err = dl.ProcBatch(batch)
		if err != nil {
			return nil, nil, nil, err
		}
		return batch.Spec, batch.Inputs, batch.Labels, nil
	}
}

// Name implements train.Dataset.
func (dl *DeviceLoader) Name() string { return dl.loader.Name() }

// Reset implements train.Dataset.
func (dl *DeviceLoader) Reset() { dl.loader.Reset() }

// Device returns the target device batches are uploaded to.
func (dl *DeviceLoader) Device() backends.DeviceNum { return dl.device }

// Source implements Loader.
func (dl *DeviceLoader) Source() Dataset { return dl.loader.Source() }

// BatchSize implements Loader.
func (dl *DeviceLoader) BatchSize() int { return dl.loader.BatchSize() }

// SetBatchSize implements Loader.
func (dl *DeviceLoader) SetBatchSize(n int) { dl.loader.SetBatchSize(n) }

// NumWorkers implements Loader.
func (dl *DeviceLoader) NumWorkers() int { return dl.loader.NumWorkers() }

// SetNumWorkers implements Loader.
func (dl *DeviceLoader) SetNumWorkers(n int) { dl.loader.SetNumWorkers(n) }

// NumBatches implements Loader.
func (dl *DeviceLoader) NumBatches() int { return dl.loader.NumBatches() }

// SetCollate implements Loader.
func (dl *DeviceLoader) SetCollate(collate Collate) { dl.loader.SetCollate(collate) }
