// Package databunch binds indexable datasets to a compute device and produces
// collated batches for a training loop.
//
// It is a thin composition layer over GoMLX's dataset machinery, in three
// pieces:
//
//   - IndexedLoader: a batch loader over an indexable Dataset, with per-epoch
//     shuffling, worker-parallel example fetching and pluggable collation
//     (StackCollate by default).
//   - DeviceLoader: wraps any Loader, uploading every batch to a target device
//     and applying an ordered list of batch Transforms; optionally it drops
//     singleton batches, which batch-normalization layers cannot digest.
//   - DataBunch: bundles the train/validation/test/single-item DeviceLoaders
//     of one experiment behind a single façade, with transform broadcast,
//     one-batch inspection (OneBatch, ShowBatch), normalization statistics
//     (Normalizer) and dataset export.
//
// DeviceLoader implements GoMLX's train.Dataset, so any loader built here can
// be handed directly to a train.Loop.
package databunch
