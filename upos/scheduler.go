package upos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Scheduler uploads chunks with a sliding window of at most Concurrency parts in flight.
//
// A single coordinating loop reads chunks, dispatches uploads, collects results and
// reports progress; upload goroutines only report back over a channel. A window slot
// is reused only after the coordinator handled the result that freed it, so a
// cancellation requested on a completed part is seen before anything else is dispatched.
type Scheduler struct {
	concurrency int
	logger      log.Logger
	stats       *Stats
}

type partResult struct {
	partNumber int
	size       int
	part       Part
	took       time.Duration
	err        error
}

// NewScheduler creates a Scheduler. Concurrency below 1 is treated as 1.
func NewScheduler(concurrency int, logger log.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Scheduler{
		concurrency: concurrency,
		logger:      logger,
		stats:       NewStats(),
	}
}

// Stats returns the statistics of the parts uploaded so far.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run uploads every chunk of source and returns the parts sorted by part number.
//
// Dispatching stops when a part fails, when progress returns true or when ctx is
// cancelled. Parts already in flight are not aborted: they run on a context that
// is detached from ctx's cancellation and are awaited before Run returns. A stopped
// run returns no parts.
func (s *Scheduler) Run(ctx context.Context, upload Upload, source ChunkSource, uploader PartUploader, progress ProgressFunc) ([]Part, error) {
	start := time.Now()
	partCtx := context.WithoutCancel(ctx)
	results := make(chan partResult, s.concurrency)
	done := ctx.Done()

	parts := make([]Part, 0, upload.ChunkCount)
	inFlight := 0
	exhausted := false
	var stopErr error

	stop := func(err error) {
		if stopErr == nil {
			stopErr = err
			if inFlight > 0 {
				s.logger.Warnf("Stopping upload, waiting for %d part(s) in flight: %s", inFlight, err)
			}
		}
	}

	for {
		for !exhausted && stopErr == nil && inFlight < s.concurrency {
			if err := ctx.Err(); err != nil {
				stop(fmt.Errorf("%w: %w", ErrCancelled, err))
				break
			}

			chunk, err := source.Next()
			if errors.Is(err, io.EOF) {
				exhausted = true
				break
			}
			if err != nil {
				stop(err)
				break
			}

			inFlight++
			go s.uploadPart(partCtx, upload, chunk, uploader, results)
		}

		if inFlight == 0 {
			break
		}

		select {
		case <-done:
			done = nil
			stop(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		case result := <-results:
			inFlight--

			if result.err != nil {
				s.logger.Warnf("Part %d failed: %s", result.partNumber, result.err)
				stop(fmt.Errorf("%w: part %d: %w", ErrUploadFailed, result.partNumber, result.err))
				continue
			}
			if result.part.PartNumber != result.partNumber {
				stop(fmt.Errorf("%w: part %d: %w: uploader returned part number %d",
					ErrUploadFailed, result.partNumber, ErrFatal, result.part.PartNumber))
				continue
			}

			s.stats.Record(result.took, result.size)
			s.logger.Infof("Part %d/%d uploaded in %v", result.partNumber, upload.ChunkCount, result.took.Round(time.Millisecond))

			if stopErr != nil {
				continue
			}
			parts = append(parts, result.part)

			if progress != nil && progress(Progress{
				Start:      start,
				Elapsed:    time.Since(start),
				TotalBytes: upload.TotalSize,
				BytesSent:  result.size,
				PartNumber: result.partNumber,
				Completed:  len(parts),
				Total:      upload.ChunkCount,
			}) {
				stop(fmt.Errorf("%w: requested by progress callback after part %d", ErrCancelled, result.partNumber))
			}
		}
	}

	if stopErr != nil {
		return nil, stopErr
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts, nil
}

func (s *Scheduler) uploadPart(ctx context.Context, upload Upload, chunk Chunk, uploader PartUploader, results chan<- partResult) {
	done := s.stats.Snapshot()
	s.logger.Debugf("Uploading part %d/%d (%d bytes) [finished=%d] [avg=%v]",
		chunk.PartNumber(), upload.ChunkCount, chunk.Len(),
		done.Parts, done.AveragePartTime().Round(time.Millisecond))

	start := time.Now()
	part, err := uploader.UploadPart(ctx, upload, chunk)

	results <- partResult{
		partNumber: chunk.PartNumber(),
		size:       chunk.Len(),
		part:       part,
		took:       time.Since(start),
		err:        err,
	}
}
