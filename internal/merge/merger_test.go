package merge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSegments(t *testing.T, dir string, indices []int) int64 {
	t.Helper()
	var total int64
	for _, i := range indices {
		data := []byte(fmt.Sprintf("segment-%d-payload-", i))
		path := filepath.Join(dir, fmt.Sprintf("seg_%05d.ts", i))
		require.NoError(t, os.WriteFile(path, data, 0644))
		total += int64(len(data))
	}
	return total
}

func contiguous(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestMergeOutputEqualsSumOfSegments(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	expected := writeSegments(t, dir, contiguous(10))

	written, err := Merge(dir, outputPath, 10)
	require.NoError(t, err)
	assert.Equal(t, expected, written)

	info, err := os.Stat(outputPath)
	require.NoError(t, err)
	assert.Equal(t, expected, info.Size())
}

func TestMergeOrdersByNumericIndex(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	// Written out of order; the merge must sort numerically.
	writeSegments(t, dir, []int{2, 0, 1})

	_, err := Merge(dir, outputPath, 3)
	require.NoError(t, err)
	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "segment-0-payload-segment-1-payload-segment-2-payload-", string(data))
}

func TestMergeToleratesFourPercentMissing(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	indices := contiguous(100)
	// Drop 4 of 100.
	indices = append(indices[:13], indices[17:]...)
	writeSegments(t, dir, indices)

	_, err := Merge(dir, outputPath, 100)
	assert.NoError(t, err)
}

func TestMergeRejectsSixPercentMissing(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	indices := contiguous(100)
	// Drop 6 of 100.
	indices = append(indices[:50], indices[56:]...)
	writeSegments(t, dir, indices)

	_, err := Merge(dir, outputPath, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMerge))
	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr), "no partial output should be visible")
}

func TestMergeSkipsZeroLengthSegments(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	expected := writeSegments(t, dir, []int{0, 2})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_00001.ts"), nil, 0644))

	written, err := Merge(dir, outputPath, 3)
	require.NoError(t, err)
	assert.Equal(t, expected, written)
}

func TestMergeEmptyResultFails(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_00000.ts"), nil, 0644))

	_, err := Merge(dir, outputPath, 1)
	assert.True(t, errors.Is(err, ErrMerge))
}

func TestMergeIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "out.ts")
	expected := writeSegments(t, dir, contiguous(3))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress.json"), []byte(`{"downloaded":3}`), 0644))

	written, err := Merge(dir, outputPath, 3)
	require.NoError(t, err)
	assert.Equal(t, expected, written)
}
