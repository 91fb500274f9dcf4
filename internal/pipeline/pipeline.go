// Package pipeline implements the two job stages: run_pipeline, which
// collects, ranks and writes copy for candidates, and publish_one, which
// posts a single approved candidate.
package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/ledger"
	"repost-pipeline/internal/models"
)

// Store is the subset of the entity store the stages read and write.
type Store interface {
	GetWorkspaceConfig(ctx context.Context, workspaceID int64) (models.WorkspaceConfig, error)
	ListEnabledSources(ctx context.Context, workspaceID int64) ([]models.SourcePage, error)
	SaveGeneratedContent(ctx context.Context, gc models.GeneratedContent, next models.CandidateStatus) error
	ListApprovedUnposted(ctx context.Context, workspaceID int64) ([]models.Candidate, error)
	GetCandidate(ctx context.Context, workspaceID, id int64) (models.Candidate, error)
	GetGeneratedContent(ctx context.Context, candidateID int64) (models.GeneratedContent, error)
	RecordPublish(ctx context.Context, candidateID int64, r models.PublishResult) (models.PublishResult, error)
}

// Deps wires the stages to storage and external services.
type Deps struct {
	Store        Store
	Ledger       *ledger.Ledger
	Jobs         ledger.Enqueuer
	Collectors   capability.Collectors
	Generator    capability.ContentGenerator
	Fetcher      capability.MediaFetcher
	Publishers   capability.Publishers
	Logs         capability.LogSink
	DefaultModel string
}

func (d Deps) logs() capability.LogSink {
	if d.Logs == nil {
		return capability.NopSink{}
	}
	return d.Logs
}

// payloadInt64 reads an integer payload field. JSON numbers, Go integers and
// numeric strings are accepted.
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
