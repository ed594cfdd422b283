package upos

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Tracker receives upload lifecycle events.
type Tracker interface {
	UploadFinished(uploadTime time.Duration, sizeBytes int64, partCount int)
	UploadFailed(phase Phase, uploadTime time.Duration)
	Wait()
}

type analyticsTracker struct {
	tracker analytics.Tracker
}

// NewAnalyticsTracker sends upload events through the go-utils analytics tracker.
func NewAnalyticsTracker(logger log.Logger, properties analytics.Properties) Tracker {
	return analyticsTracker{tracker: analytics.NewDefaultTracker(logger, properties)}
}

func (t analyticsTracker) UploadFinished(uploadTime time.Duration, sizeBytes int64, partCount int) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
		"part_count":        partCount,
	}
	t.tracker.Enqueue("upos_upload_finished", properties)
}

func (t analyticsTracker) UploadFailed(phase Phase, uploadTime time.Duration) {
	properties := analytics.Properties{
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"phase":         string(phase),
	}
	t.tracker.Enqueue("upos_upload_failed", properties)
}

func (t analyticsTracker) Wait() {
	t.tracker.Wait()
}

type noopTracker struct{}

func (noopTracker) UploadFinished(time.Duration, int64, int) {}
func (noopTracker) UploadFailed(Phase, time.Duration)        {}
func (noopTracker) Wait()                                    {}
