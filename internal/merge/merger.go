package merge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/renameio/v2"
	"github.com/hlsget/hlsget/internal/utils"
)

// ErrMerge means too many segments are missing or the merged output
// would be empty. Fatal for the session.
var ErrMerge = errors.New("segment merge failed")

// missingTolerance is the fraction of expected segments that may be
// absent before the merge refuses to proceed.
const missingTolerance = 0.05

// Merge orders the segment files in tempDir by their numeric index and
// streams them into outputPath. Up to 5% of the expected range may be
// missing; gaps are logged. The output becomes visible only via the
// final rename.
func Merge(tempDir, outputPath string, totalSegments int) (int64, error) {
	log := utils.GetLogger("merger")
	files, err := listSegmentFiles(tempDir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	missing := missingIndices(files, totalSegments)
	if float64(len(missing)) > missingTolerance*float64(totalSegments) {
		return 0, fmt.Errorf("%w: %d of %d segments missing (over %.0f%% tolerance)", ErrMerge, len(missing), totalSegments, missingTolerance*100)
	}
	for _, idx := range missing {
		log.Warn().Int("segment", idx).Msg("Segment missing, merging around the gap")
	}

	pending, err := renameio.NewPendingFile(outputPath)
	if err != nil {
		return 0, fmt.Errorf("%w: creating temp output: %v", ErrMerge, err)
	}
	defer pending.Cleanup()

	var totalWritten int64
	buffer := make([]byte, utils.MergeBufferSize)
	for _, file := range files {
		written, err := appendSegment(pending, file.path, buffer)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMerge, err)
		}
		if written == 0 {
			log.Warn().Str("file", filepath.Base(file.path)).Msg("Zero-length segment skipped")
		}
		totalWritten += written
	}
	if totalWritten == 0 {
		return 0, fmt.Errorf("%w: merged output is empty", ErrMerge)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("%w: finalizing output: %v", ErrMerge, err)
	}
	log.Info().Int64("bytes", totalWritten).Int("segments", len(files)).Str("output", outputPath).Msg("Merge completed")
	return totalWritten, nil
}

type segmentFile struct {
	index int
	path  string
}

func listSegmentFiles(tempDir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return nil, fmt.Errorf("error reading segment directory: %v", err)
	}
	var files []segmentFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := utils.SegmentFileRegex.FindStringSubmatch(entry.Name())
		if len(matches) < 2 {
			continue
		}
		index, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		files = append(files, segmentFile{index: index, path: filepath.Join(tempDir, entry.Name())})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].index < files[j].index
	})
	return files, nil
}

func missingIndices(files []segmentFile, total int) []int {
	present := make(map[int]bool, len(files))
	for _, f := range files {
		present[f.index] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

func appendSegment(dst io.Writer, path string, buffer []byte) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("error opening segment file %s: %v", path, err)
	}
	defer file.Close()
	written, err := io.CopyBuffer(dst, file, buffer)
	if err != nil {
		return 0, fmt.Errorf("error copying segment data from %s: %v", path, err)
	}
	return written, nil
}
