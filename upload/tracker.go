package upload

import (
	"context"
	"time"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Tracker sends analytics events about uploads.
type Tracker struct {
	tracker analytics.Tracker
	backend string
}

// NewTracker creates a Tracker sending events through the default analytics tracker.
// Tracking is turned off by ANALYTICS_DISABLED=true in envRepo.
func NewTracker(backend string, envRepo env.Repository, logger log.Logger) Tracker {
	return NewTrackerWith(analytics.NewDefaultTracker(logger, envRepo, analytics.Properties{"backend": backend}), backend)
}

// NewTrackerWith creates a Tracker sending events through tracker.
func NewTrackerWith(tracker analytics.Tracker, backend string) Tracker {
	return Tracker{tracker: tracker, backend: backend}
}

// LogUploaded ...
func (t Tracker) LogUploaded(result Result, uploadTime time.Duration) {
	t.tracker.Enqueue("content_uploaded", analytics.Properties{
		"backend":           t.backend,
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.Length,
		"attempts":          result.Attempts,
		"skipped":           result.Skipped,
	})
}

// LogFailed ...
func (t Tracker) LogFailed(object Object, uploadTime time.Duration, err error) {
	t.tracker.Enqueue("content_upload_failed", analytics.Properties{
		"backend":       t.backend,
		"content_type":  object.ContentType,
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"error":         err.Error(),
	})
}

// IsTracking ...
func (t Tracker) IsTracking() bool {
	return t.tracker.IsTracking()
}

// Wait blocks until the queued events are sent.
func (t Tracker) Wait() {
	t.tracker.Wait()
}

// Tracked returns an Uploader sending an event about every upload of u.
func Tracked(u Uploader, t Tracker) Uploader {
	return trackedUploader{uploader: u, tracker: t}
}

type trackedUploader struct {
	uploader Uploader
	tracker  Tracker
}

func (u trackedUploader) Upload(ctx context.Context, object Object, source contentsource.ContentSource) (Result, error) {
	start := time.Now()
	result, err := u.uploader.Upload(ctx, object, source)
	if err != nil {
		u.tracker.LogFailed(object, time.Since(start), err)
		return result, err
	}
	u.tracker.LogUploaded(result, time.Since(start))
	return result, nil
}
