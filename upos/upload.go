package upos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Uploader runs chunked uploads. It can be reused for multiple sequential uploads.
type Uploader struct {
	config  Config
	logger  log.Logger
	tracker Tracker
}

// New creates a new Uploader with the given configuration.
func New(config Config) (*Uploader, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tracker := config.Tracker
	if tracker == nil {
		tracker = noopTracker{}
	}

	return &Uploader{
		config:  config,
		logger:  config.logger(),
		tracker: tracker,
	}, nil
}

// Upload uploads the file at sourcePath over the UPOS HTTP protocol of the session.
// progress may be nil.
func (u *Uploader) Upload(ctx context.Context, sourcePath string, session Session, progress ProgressFunc) (Result, error) {
	config := u.config
	config.Logger = u.logger
	backend := NewHTTPBackend(session, config)
	defer backend.CloseIdleConnections()

	return u.UploadWith(ctx, backend, sourcePath, session, progress)
}

// UploadWith uploads the file at sourcePath through the given backend:
// it opens a session, uploads all parts and commits them.
func (u *Uploader) UploadWith(ctx context.Context, backend Backend, sourcePath string, session Session, progress ProgressFunc) (Result, error) {
	start := time.Now()
	defer u.tracker.Wait()

	result, err := u.upload(ctx, backend, sourcePath, session, progress, start)
	if err != nil {
		phase := PhaseUpload
		var phaseErr *PhaseError
		if errors.As(err, &phaseErr) {
			phase = phaseErr.Phase
		}
		u.tracker.UploadFailed(phase, time.Since(start))
		return Result{}, err
	}
	return result, nil
}

func (u *Uploader) upload(ctx context.Context, backend Backend, sourcePath string, session Session, progress ProgressFunc, start time.Time) (Result, error) {
	if err := session.Validate(); err != nil {
		return Result{}, &PhaseError{Phase: PhaseOpen, Err: fmt.Errorf("%w: invalid session: %w", ErrFatal, err)}
	}

	reader, err := OpenFileChunkReader(sourcePath, session.ChunkSize)
	if err != nil {
		return Result{}, &PhaseError{Phase: PhaseRead, Err: err}
	}
	defer func() {
		if err := reader.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", sourcePath, err)
		}
	}()

	totalSize := reader.Size()
	if totalSize == 0 {
		return Result{}, &PhaseError{Phase: PhaseRead, Err: fmt.Errorf("%w: %s is empty", ErrIO, sourcePath)}
	}

	u.logger.Infof("Opening upload session for %s", session.BaseURL())
	uploadID, err := backend.OpenSession(ctx, session)
	if err != nil {
		return Result{}, &PhaseError{Phase: PhaseOpen, Err: err}
	}
	u.logger.Debugf("Upload ID: %s", uploadID)

	upload := Upload{
		Session:    session,
		ID:         uploadID,
		TotalSize:  totalSize,
		ChunkCount: session.ChunkCount(totalSize),
	}

	u.logger.Infof("Uploading %s in %d parts of %s",
		units.HumanSizeWithPrecision(float64(totalSize), 3), upload.ChunkCount,
		units.HumanSizeWithPrecision(float64(session.ChunkSize), 3))

	scheduler := NewScheduler(u.config.Concurrency, u.logger)
	parts, err := scheduler.Run(ctx, upload, reader, backend, progress)
	if err != nil {
		return Result{}, &PhaseError{Phase: PhaseUpload, Err: err}
	}

	took := time.Since(start)
	stats := scheduler.Stats().Snapshot()
	u.logger.Donef("Uploaded %s in %s (%.2f MB/s, avg part time %s)",
		units.HumanSizeWithPrecision(float64(stats.Bytes), 3), took.Round(time.Millisecond),
		stats.Throughput(took)/1000/1000, stats.AveragePartTime().Round(time.Millisecond))

	finalizer := NewFinalizer(backend, u.logger)
	result, err := finalizer.Finalize(ctx, upload, sourcePath, parts)
	if err != nil {
		return Result{}, &PhaseError{Phase: PhaseCommit, Err: err}
	}

	u.tracker.UploadFinished(time.Since(start), totalSize, len(parts))
	u.logger.Donef("Upload committed: %s", result.ObjectName)

	return result, nil
}
