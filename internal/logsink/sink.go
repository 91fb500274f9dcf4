// Package logsink records workspace-visible log lines. Every line is
// written to the store and then broadcast on a Redis channel for live
// viewers; broadcasting is asynchronous and lossy under back-pressure.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/telemetry"
)

const defaultBuffer = 256

// LogStore persists log events.
type LogStore interface {
	AppendLog(ctx context.Context, ev models.LogEvent) (models.LogEvent, error)
}

// Config controls channel naming and the recent list.
type Config struct {
	ChannelPrefix string
	RecentMax     int
	Buffer        int
}

// Sink implements capability.LogSink.
type Sink struct {
	store  LogStore
	redis  redis.UniversalClient
	prefix string
	recent int

	mu     sync.RWMutex
	closed bool
	events chan models.LogEvent
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts the broadcast loop. rdb may be nil, in which case lines are
// only stored. Call Close to flush pending broadcasts.
func New(st LogStore, rdb redis.UniversalClient, cfg Config) *Sink {
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "logs:workspace:"
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	recent := cfg.RecentMax
	if recent <= 0 {
		recent = 400
	}
	s := &Sink{
		store:  st,
		redis:  rdb,
		prefix: prefix,
		recent: recent,
		events: make(chan models.LogEvent, buffer),
	}
	if rdb != nil {
		s.wg.Add(1)
		go s.loop()
	}
	return s
}

// Channel is the pub/sub channel of a workspace.
func (s *Sink) Channel(workspaceID int64) string {
	return s.prefix + strconv.FormatInt(workspaceID, 10)
}

func (s *Sink) recentKey(workspaceID int64) string {
	return s.Channel(workspaceID) + ":recent"
}

// Append stores the line and queues it for broadcast. Store errors are
// logged, never returned.
func (s *Sink) Append(ctx context.Context, workspaceID int64, level models.LogLevel, message string, jobID *int64) {
	ev := models.LogEvent{WorkspaceID: workspaceID, Level: level, Message: message, JobID: jobID}
	log := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldWorkspaceID: workspaceID,
		logger.FieldComponent:   "logsink",
	})
	if s.store != nil {
		stored, err := s.store.AppendLog(ctx, ev)
		if err != nil {
			log.WithError(err).Error("store log event")
		} else {
			ev = stored
		}
	}
	log.WithField("level_name", string(level)).Debug(message)

	if s.redis == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		telemetry.BroadcastDropped.Inc()
		return
	}
	select {
	case s.events <- ev:
	default:
		telemetry.BroadcastDropped.Inc()
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	ctx := context.Background()
	for ev := range s.events {
		if err := s.broadcast(ctx, ev); err != nil {
			logger.FromContext(ctx).WithError(err).WithField(logger.FieldWorkspaceID, ev.WorkspaceID).Warn("broadcast log event")
		}
	}
}

func (s *Sink) broadcast(ctx context.Context, ev models.LogEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Publish(ctx, s.Channel(ev.WorkspaceID), payload)
	pipe.LPush(ctx, s.recentKey(ev.WorkspaceID), payload)
	pipe.LTrim(ctx, s.recentKey(ev.WorkspaceID), 0, int64(s.recent-1))
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n of the newest broadcast events of a workspace.
func (s *Sink) Recent(ctx context.Context, workspaceID int64, n int) ([]models.LogEvent, error) {
	if s.redis == nil {
		return nil, nil
	}
	raw, err := s.redis.LRange(ctx, s.recentKey(workspaceID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent logs: %w", err)
	}
	out := make([]models.LogEvent, 0, len(raw))
	for _, r := range raw {
		var ev models.LogEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe streams live events of a workspace until ctx ends.
func (s *Sink) Subscribe(ctx context.Context, workspaceID int64) (<-chan models.LogEvent, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("live logs need redis")
	}
	sub := s.redis.Subscribe(ctx, s.Channel(workspaceID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan models.LogEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.LogEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops accepting broadcasts and waits for queued ones to be sent.
// Lines appended after Close are stored but not broadcast.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		s.wg.Wait()
	})
}
