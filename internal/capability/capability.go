// Package capability declares the external services the pipeline calls
// through stable interfaces: collectors, the generator, media fetch,
// publishers and the workspace log sink.
package capability

import (
	"context"
	"time"

	"repost-pipeline/internal/models"
)

// RawPost is one item returned by a source collector.
type RawPost struct {
	Platform    models.Platform
	OriginalURL string
	OriginalID  string
	Caption     string
	MediaType   models.MediaType
	MediaURL    string
	PostedAt    *time.Time
	Engagement  int
}

// SourceCollector lists recent posts of a handle on one platform. An
// unconfigured collector returns an empty slice.
type SourceCollector interface {
	Collect(ctx context.Context, handle string, limit int) ([]RawPost, error)
}

// Generated is the copy produced for a candidate.
type Generated struct {
	Title    string
	Caption  string
	Hashtags []string
}

// ContentGenerator writes English copy for a source caption. Malformed
// upstream output is replaced by a deterministic fallback instead of an error.
type ContentGenerator interface {
	Generate(ctx context.Context, caption string, mediaType models.MediaType) (Generated, error)
}

// LocalMedia is a media file fetched to a scratch location.
type LocalMedia struct {
	Path        string
	MediaType   models.MediaType
	ContentType string
}

// MediaFetcher downloads a media URL to local scratch storage.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string, mediaType models.MediaType) (LocalMedia, error)
}

// PublishReceipt identifies the post created on the destination platform.
type PublishReceipt struct {
	RemotePostID string
	RemoteURL    string
}

// Publisher posts local media with a caption to one platform.
type Publisher interface {
	Publish(ctx context.Context, media LocalMedia, caption string) (PublishReceipt, error)
}

// LogSink receives workspace-visible log lines. Append never blocks on
// broadcast delivery and never fails the caller.
type LogSink interface {
	Append(ctx context.Context, workspaceID int64, level models.LogLevel, message string, jobID *int64)
}

// Collectors maps each platform to its collector.
type Collectors map[models.Platform]SourceCollector

// Publishers maps each platform to its publisher.
type Publishers map[models.Platform]Publisher

// NopSink discards every log line.
type NopSink struct{}

func (NopSink) Append(context.Context, int64, models.LogLevel, string, *int64) {}
