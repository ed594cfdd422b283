package upos

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Finalizer commits a completed set of parts.
type Finalizer struct {
	committer Committer
	logger    log.Logger
}

// NewFinalizer creates a Finalizer committing through the given Committer.
func NewFinalizer(committer Committer, logger log.Logger) *Finalizer {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Finalizer{committer: committer, logger: logger}
}

// Finalize validates that parts cover every chunk of the upload exactly once, sorts
// them by part number and commits them under the source file's name.
func (f *Finalizer) Finalize(ctx context.Context, upload Upload, sourcePath string, parts []Part) (Result, error) {
	sorted, err := sortedParts(parts, upload.ChunkCount)
	if err != nil {
		return Result{}, err
	}

	name := filepath.Base(sourcePath)
	f.logger.Debugf("Committing %d parts as %s", len(sorted), name)

	if err := f.committer.Commit(ctx, upload, name, sorted); err != nil {
		return Result{}, err
	}

	return Result{
		ObjectName: upload.Session.ObjectName(),
		Title:      fileStem(name),
		SourcePath: sourcePath,
	}, nil
}

// sortedParts returns a sorted copy of parts, or an error unless the part numbers are exactly 1..count.
func sortedParts(parts []Part, count int) ([]Part, error) {
	if len(parts) != count {
		return nil, fmt.Errorf("%w: expected %d parts, got %d", ErrFatal, count, len(parts))
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})

	for i, part := range sorted {
		if part.PartNumber != i+1 {
			return nil, fmt.Errorf("%w: part list is not contiguous: expected part %d, got %d", ErrFatal, i+1, part.PartNumber)
		}
	}
	return sorted, nil
}
