package databunch

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizerRoundTrip(t *testing.T) {
	backend := buildTestBackend()
	mean := tensors.FromValue([][]float32{{1, 2, 3}})
	stddev := tensors.FromValue([][]float32{{2, 4, 0}}) // The zero must be replaced by one.
	n, err := NewNormalizer(backend, mean, stddev)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{2, 4, 1}}, n.Stddev().Value())

	x := tensors.FromValue([][]float32{{3, 4, 3}, {5, 6, 3}})
	normalized, err := n.Apply(x)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 0.5, 0}, {2, 1, 0}}, normalized.Value())

	restored, err := n.Denorm(normalized)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{3, 4, 3}, {5, 6, 3}}, restored.Value())
}

func TestNormalizerRejectsNonFloats(t *testing.T) {
	backend := buildTestBackend()
	n, err := NewNormalizer(backend,
		tensors.FromValue([]float32{0}), tensors.FromValue([]float32{1}))
	require.NoError(t, err)
	_, err = n.Apply(tensors.FromValue([]int64{1, 2}))
	require.ErrorContains(t, err, "only accepts float tensors")

	_, err = NewNormalizer(backend,
		tensors.FromValue([]int64{0}), tensors.FromValue([]int64{1}))
	require.ErrorContains(t, err, "must be floats")
}

func TestNormalizerFromLoader(t *testing.T) {
	backend := buildTestBackend()
	ds := newRangeDataset("train", 20)
	loader := NewIndexedLoader(backend, ds, 5, false, 0, nil)
	n, err := NormalizerFromLoader(backend, loader, -1)
	require.NoError(t, err)

	// rangeDataset features are i, i+0.5 and i+0.25 for i in [0, 20).
	mean := n.Mean().Value().([][]float32)
	require.Len(t, mean, 1)
	assert.InDeltaSlice(t, []float32{9.5, 10, 9.75}, mean[0], 1e-3)
	stddev := n.Stddev().Value().([][]float32)
	// stddev of 0..19 is sqrt(33.25), the same for every feature.
	assert.InDeltaSlice(t, []float32{5.766, 5.766, 5.766}, stddev[0], 1e-2)

	x := tensors.FromValue([][]float32{{9.5, 10, 9.75}})
	normalized, err := n.Apply(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0, 0}, normalized.Value().([][]float32)[0], 1e-5)
}

func TestDataBunchDenorm(t *testing.T) {
	backend := buildTestBackend()
	b := NewDataBunchFromDatasets(backend, 0,
		newRangeDataset("train", 100), newRangeDataset("valid", 20), nil,
		10, 0, nil, t.TempDir(), nil)
	mean := tensors.FromValue([][]float32{{1, 2, 3}})
	stddev := tensors.FromValue([][]float32{{2, 2, 2}})
	n, err := NewNormalizer(backend, mean, stddev)
	require.NoError(t, err)
	n.DoLabels = false
	b.SetNorm(n)
	require.Same(t, n, b.Norm())
	for _, dl := range b.DLs() {
		require.Len(t, dl.Transforms(), 1)
	}

	// Normalized view: the validation loader doesn't shuffle, so its first
	// example is [0, 0.5, 0.25].
	inputs, _, err := b.OneBatch(Valid, true, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-0.5, -0.75, -1.375}, firstInputValues(inputs)[0], 1e-5)

	// De-normalized view restores the raw values.
	inputs, labels, err := b.OneBatch(Valid, true, true)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.5, 0.25}, firstInputValues(inputs)[0], 1e-5)
	// DoLabels is off: labels were neither normalized nor de-normalized.
	require.Equal(t, float32(0), labels[0].Value().([][]float32)[0][0])
}
