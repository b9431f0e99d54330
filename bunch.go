package databunch

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Which selects one of the loaders owned by a DataBunch.
type Which int

const (
	// Train selects the training loader.
	Train Which = iota

	// Valid selects the validation loader. It is the conventional choice when
	// in doubt: inspection and evaluation should not consume training batches.
	Valid

	// Test selects the optional test loader. DataBunch.DL returns nil when no
	// test dataset was given.
	Test

	// Single selects the single-item loader: batch size one over the
	// validation dataset.
	Single
)

// String implements fmt.Stringer.
func (w Which) String() string {
	switch w {
	case Train:
		return "Train"
	case Valid:
		return "Valid"
	case Test:
		return "Test"
	case Single:
		return "Single"
	}
	return fmt.Sprintf("Which(%d)", int(w))
}

// DataBunch binds the train, validation, optional test and single-item loaders
// of one experiment to a device, with a shared set of batch transforms.
//
// Each owned DeviceLoader keeps its own copy of the transform list: there is no
// aliasing between them, and AddTransform explicitly broadcasts to all of them.
type DataBunch struct {
	backend backends.Backend
	device  backends.DeviceNum
	path    string

	trainDL  *DeviceLoader
	validDL  *DeviceLoader
	singleDL *DeviceLoader
	testDL   *DeviceLoader // nil when no test dataset was given.

	norm *Normalizer
}

// NewDataBunch binds raw (not yet device-bound) loaders to device.
//
// trainL and validL are required; testL may be nil. It panics if trainL is
// already a *DeviceLoader: wrapping twice would process every batch twice.
//
// The training loader gets the skip-singles policy; a single-item loader with
// batch size one is derived from validL's dataset. Every loader gets its own
// copy of tfms, and its collation function replaced by collate when one is
// given. path is the directory used by Export.
func NewDataBunch(backend backends.Backend, device backends.DeviceNum,
	trainL, validL, testL Loader, tfms []Transform, path string, collate Collate) *DataBunch {
	if trainL == nil || validL == nil {
		exceptions.Panicf("databunch: both a train and a validation loader are required")
	}
	if _, ok := trainL.(*DeviceLoader); ok {
		exceptions.Panicf("databunch: the train loader is already a *DeviceLoader -- pass the raw loader instead")
	}
	validDS := validL.Source()
	if validDS == nil {
		exceptions.Panicf("databunch: the validation loader %q exposes no source dataset", validL.Name())
	}

	b := &DataBunch{
		backend: backend,
		device:  device,
		path:    path,
	}
	b.trainDL = NewDeviceLoader(backend, device, trainL, tfms, collate)
	b.trainDL.SetSkipSingles(true)
	b.validDL = NewDeviceLoader(backend, device, validL, tfms, collate)
	b.singleDL = NewDeviceLoader(backend, device,
		NewIndexedLoader(backend, validDS, 1, false, 0, collate), tfms, nil)
	if testL != nil {
		b.testDL = NewDeviceLoader(backend, device, testL, tfms, collate)
	}
	return b
}

// NewDataBunchFromDatasets builds one IndexedLoader per dataset and binds them
// with NewDataBunch. Only the training loader shuffles; validation and test use
// the training batch size. testDS may be nil.
func NewDataBunchFromDatasets(backend backends.Backend, device backends.DeviceNum,
	trainDS, validDS, testDS Dataset, batchSize int, numWorkers int,
	tfms []Transform, path string, collate Collate) *DataBunch {
	if trainDS == nil || validDS == nil {
		exceptions.Panicf("databunch: both a train and a validation dataset are required")
	}
	trainL := NewIndexedLoader(backend, trainDS, batchSize, true, numWorkers, collate)
	validL := NewIndexedLoader(backend, validDS, trainL.BatchSize(), false, numWorkers, collate)
	var testL Loader
	if testDS != nil {
		testL = NewIndexedLoader(backend, testDS, trainL.BatchSize(), false, numWorkers, collate)
	}
	return NewDataBunch(backend, device, trainL, validL, testL, tfms, path, collate)
}

// DL returns the loader selected by which. The result is nil only for Test when
// no test dataset was given.
func (b *DataBunch) DL(which Which) *DeviceLoader {
	switch which {
	case Train:
		return b.trainDL
	case Valid:
		return b.validDL
	case Test:
		return b.testDL
	case Single:
		return b.singleDL
	}
	exceptions.Panicf("databunch: invalid loader selector %s", which)
	return nil
}

// DLs returns the owned loaders in a fixed order: train, valid, single, and
// test when present. AddTransform broadcasts in this order.
func (b *DataBunch) DLs() []*DeviceLoader {
	dls := []*DeviceLoader{b.trainDL, b.validDL, b.singleDL}
	if b.testDL != nil {
		dls = append(dls, b.testDL)
	}
	return dls
}

// AddTransform appends tfm to every owned loader, in DLs order.
func (b *DataBunch) AddTransform(tfm Transform) {
	for _, dl := range b.DLs() {
		dl.AddTransform(tfm)
	}
}

// SetNorm registers norm as the bunch's normalizer: its forward transform is
// broadcast to every loader, and OneBatch uses its inverse for de-normalized
// inspection.
func (b *DataBunch) SetNorm(norm *Normalizer) {
	b.norm = norm
	b.AddTransform(norm.Transform())
}

// Norm returns the registered normalizer, or nil.
func (b *DataBunch) Norm() *Normalizer { return b.norm }

// OneBatch fetches exactly one processed batch from the loader selected by
// which. The loader's worker count is forced to zero for the duration of the
// fetch -- a single batch should not pay the parallel-fetch startup cost -- and
// restored afterwards, whether or not the fetch succeeded.
//
// If detach is set, every returned tensor is an independent local copy, sharing
// no buffers with the loader's pipeline. If denorm is set and a normalizer is
// registered, its inverse is applied to the inputs, and to the labels as well
// unless the normalizer says otherwise.
func (b *DataBunch) OneBatch(which Which, detach, denorm bool) (inputs, labels []*tensors.Tensor, err error) {
	dl := b.DL(which)
	if dl == nil {
		return nil, nil, errors.Errorf("databunch: no %s loader in this bunch", which)
	}
	saved := dl.NumWorkers()
	dl.SetNumWorkers(0)
	defer dl.SetNumWorkers(saved)

	dl.Reset()
	_, inputs, labels, err = dl.Yield()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "databunch: fetching one batch from the %s loader", which)
	}
	if detach {
		inputs, err = detachAll(inputs)
		if err != nil {
			return nil, nil, err
		}
		labels, err = detachAll(labels)
		if err != nil {
			return nil, nil, err
		}
	}
	if denorm && b.norm != nil {
		inputs, err = b.norm.denormAll(inputs)
		if err != nil {
			return nil, nil, err
		}
		if b.norm.DoLabels {
			labels, err = b.norm.denormAll(labels)
			if err != nil {
				return nil, nil, err
			}
		}
	}
	return inputs, labels, nil
}

// detachAll replaces every tensor by an independent local clone.
func detachAll(ts []*tensors.Tensor) ([]*tensors.Tensor, error) {
	detached := make([]*tensors.Tensor, len(ts))
	for ii, t := range ts {
		var clone *tensors.Tensor
		err := exceptions.TryCatch[error](func() { clone = t.LocalClone() })
		if err != nil {
			return nil, errors.WithMessagef(err, "databunch: failed to detach tensor #%d", ii)
		}
		detached[ii] = clone
	}
	return detached, nil
}

// ShowBatch fetches one detached, de-normalized batch from the loader selected
// by which and delegates its display to the training dataset, which must
// implement BatchShower.
func (b *DataBunch) ShowBatch(rows int, which Which) error {
	inputs, labels, err := b.OneBatch(which, true, true)
	if err != nil {
		return err
	}
	shower, ok := b.TrainDS().(BatchShower)
	if !ok {
		return errors.Errorf("databunch: dataset %q does not support showing batches", b.TrainDS().Name())
	}
	return shower.ShowBatch(inputs, labels, rows)
}

// DefaultExportName is the file name Export uses when given an empty one.
const DefaultExportName = "export.gob"

// Export serializes the validation dataset to <path>/<fname> using the
// dataset's own GobSerialize -- the format is entirely the dataset's own. An
// empty fname means DefaultExportName.
func (b *DataBunch) Export(fname string) error {
	if fname == "" {
		fname = DefaultExportName
	}
	ds := b.ValidDS()
	exporter, ok := ds.(GobExporter)
	if !ok {
		return errors.Errorf("databunch: dataset %q does not support export", ds.Name())
	}
	target := filepath.Join(b.path, fname)
	f, err := os.Create(target)
	if err != nil {
		return errors.WithMessagef(err, "databunch: failed to create export file %q", target)
	}
	if err = exporter.GobSerialize(gob.NewEncoder(f)); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "databunch: failed to serialize dataset %q", ds.Name())
	}
	if err = f.Close(); err != nil {
		return errors.WithMessagef(err, "databunch: failed to close export file %q", target)
	}
	klog.V(1).Infof("databunch: exported dataset %q to %s", ds.Name(), target)
	return nil
}

// TrainDS returns the training dataset.
func (b *DataBunch) TrainDS() Dataset { return b.trainDL.Source() }

// ValidDS returns the validation dataset.
func (b *DataBunch) ValidDS() Dataset { return b.validDL.Source() }

// TestDS returns the test dataset, or nil when none was given.
func (b *DataBunch) TestDS() Dataset {
	if b.testDL == nil {
		return nil
	}
	return b.testDL.Source()
}

// LossFn returns the loss the training dataset declares, defaulting to sparse
// categorical cross-entropy on logits when the dataset declares none.
func (b *DataBunch) LossFn() losses.LossFn {
	if hl, ok := b.TrainDS().(HasLossFn); ok {
		return hl.LossFn()
	}
	return losses.SparseCategoricalCrossEntropyLogits
}

// Path returns the directory used for artifact export.
func (b *DataBunch) Path() string { return b.path }

// Device returns the device the loaders are bound to.
func (b *DataBunch) Device() backends.DeviceNum { return b.device }

// String implements fmt.Stringer.
func (b *DataBunch) String() string {
	testName := "<none>"
	if b.testDL != nil {
		testName = b.testDL.Source().Name()
	}
	return fmt.Sprintf("DataBunch(train=%s, valid=%s, test=%s, device=%d)",
		b.TrainDS().Name(), b.ValidDS().Name(), testName, b.device)
}
