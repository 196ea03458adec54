package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

const (
	DefaultStreamRetention = 24 * time.Hour
	DefaultBlockTimeout    = 2 * time.Second

	streamReadBatch = 100
)

func sessionKey(streamID string) string { return "chat-stream:" + streamID }
func eventsKey(streamID string) string  { return "chat-stream:" + streamID + ":events" }
func chatStreamsKey(chatID string) string {
	return "chat:" + chatID + ":streams"
}

// StreamRegistry keeps a durable, replayable event log per chat turn in Redis
// so clients can reattach to a turn after a dropped connection. Cancel
// functions for turns running in this process are kept locally.
type StreamRegistry struct {
	client       redis.UniversalClient
	retention    time.Duration
	blockTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewStreamRegistry(client redis.UniversalClient, cfg config.RedisConfig) *StreamRegistry {
	r := &StreamRegistry{
		client:       client,
		retention:    cfg.Retention,
		blockTimeout: cfg.BlockTimeout,
		cancels:      map[string]context.CancelFunc{},
	}
	if r.retention <= 0 {
		r.retention = DefaultStreamRetention
	}
	if r.blockTimeout <= 0 {
		r.blockTimeout = DefaultBlockTimeout
	}
	return r
}

// Register creates a session for a new turn of chatID and marks it outstanding.
func (r *StreamRegistry) Register(ctx context.Context, chatID string) (*types.StreamSession, error) {
	now := time.Now().UTC()
	session := &types.StreamSession{
		StreamID:  uuid.NewString(),
		ChatID:    chatID,
		State:     types.StreamCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(session.StreamID), map[string]any{
			"stream_id":  session.StreamID,
			"chat_id":    chatID,
			"state":      string(session.State),
			"created_at": now.UnixMilli(),
			"updated_at": now.UnixMilli(),
		})
		pipe.Expire(ctx, sessionKey(session.StreamID), r.retention)
		pipe.SAdd(ctx, chatStreamsKey(chatID), session.StreamID)
		pipe.Expire(ctx, chatStreamsKey(chatID), r.retention)
		return nil
	})
	if err != nil {
		return nil, types.Upstream("StreamRegistry.Register", err)
	}
	return session, nil
}

// Append adds ev to the log and returns its entry id.
func (r *StreamRegistry) Append(ctx context.Context, streamID string, ev types.StreamEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	// Every append refreshes the log's TTL; an abandoned log still expires.
	var add *redis.StringCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		add = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: eventsKey(streamID),
			Values: map[string]any{"event": string(data)},
		})
		pipe.Expire(ctx, eventsKey(streamID), r.retention)
		return nil
	})
	if err != nil {
		return "", types.Upstream("StreamRegistry.Append", err)
	}
	return add.Val(), nil
}

func (r *StreamRegistry) SetState(ctx context.Context, streamID string, state types.StreamState) error {
	err := r.client.HSet(ctx, sessionKey(streamID),
		"state", string(state),
		"updated_at", time.Now().UTC().UnixMilli(),
	).Err()
	if err != nil {
		return types.Upstream("StreamRegistry.SetState", err)
	}
	return nil
}

// Complete moves the session to a terminal state, removes it from the chat's
// outstanding set and starts the retention clock on its log.
func (r *StreamRegistry) Complete(ctx context.Context, streamID, chatID string, state types.StreamState) error {
	r.releaseCancel(streamID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(streamID),
			"state", string(state),
			"updated_at", time.Now().UTC().UnixMilli(),
		)
		pipe.SRem(ctx, chatStreamsKey(chatID), streamID)
		pipe.Expire(ctx, sessionKey(streamID), r.retention)
		pipe.Expire(ctx, eventsKey(streamID), r.retention)
		return nil
	})
	if err != nil {
		return types.Upstream("StreamRegistry.Complete", err)
	}
	return nil
}

func (r *StreamRegistry) Session(ctx context.Context, streamID string) (*types.StreamSession, error) {
	values, err := r.client.HGetAll(ctx, sessionKey(streamID)).Result()
	if err != nil {
		return nil, types.Upstream("StreamRegistry.Session", err)
	}
	if len(values) == 0 {
		return nil, types.NotFound("StreamRegistry.Session", "stream %s not found", streamID)
	}
	return &types.StreamSession{
		StreamID:  values["stream_id"],
		ChatID:    values["chat_id"],
		State:     types.StreamState(values["state"]),
		CreatedAt: parseMillis(values["created_at"]),
		UpdatedAt: parseMillis(values["updated_at"]),
	}, nil
}

// ActiveStreams returns the sessions of chatID that have not completed.
func (r *StreamRegistry) ActiveStreams(ctx context.Context, chatID string) ([]*types.StreamSession, error) {
	ids, err := r.client.SMembers(ctx, chatStreamsKey(chatID)).Result()
	if err != nil {
		return nil, types.Upstream("StreamRegistry.ActiveStreams", err)
	}
	sessions := make([]*types.StreamSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.Session(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !session.State.Terminal() {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

// Subscribe replays the log after afterID (exclusive; empty means from the
// start) and then tails it until a terminal event, a terminal session state
// or ctx is done.
func (r *StreamRegistry) Subscribe(ctx context.Context, streamID, afterID string) (<-chan types.StreamEvent, error) {
	if afterID != "" && !validEntryID(afterID) {
		return nil, types.Validation("StreamRegistry.Subscribe", "malformed event id %q", afterID)
	}
	if _, err := r.Session(ctx, streamID); err != nil {
		return nil, err
	}

	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)

		last := afterID
		deliver := func(messages []redis.XMessage) (done bool) {
			for _, msg := range messages {
				if msg.ID == afterID {
					continue
				}
				last = msg.ID
				ev, err := decodeEvent(msg)
				if err != nil {
					zap.L().Warn("skipping malformed stream entry", zap.String("stream_id", streamID), zap.Error(err))
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return true
				}
				if ev.Terminal() {
					return true
				}
			}
			return false
		}

		start := "-"
		if afterID != "" {
			start = afterID
		}
		replay, err := r.client.XRange(ctx, eventsKey(streamID), start, "+").Result()
		if err != nil {
			zap.L().Warn("stream replay failed", zap.String("stream_id", streamID), zap.Error(err))
			return
		}
		if deliver(replay) {
			return
		}

		for ctx.Err() == nil {
			cursor := last
			if cursor == "" {
				cursor = "0-0"
			}
			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{eventsKey(streamID), cursor},
				Count:   streamReadBatch,
				Block:   r.blockTimeout,
			}).Result()
			if errors.Is(err, redis.Nil) {
				session, err := r.Session(ctx, streamID)
				if err != nil || session.State.Terminal() {
					return
				}
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Warn("stream tail failed", zap.String("stream_id", streamID), zap.Error(err))
				}
				return
			}
			for _, stream := range streams {
				if deliver(stream.Messages) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// RegisterCancel records how to stop a turn running in this process.
func (r *StreamRegistry) RegisterCancel(streamID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[streamID] = cancel
}

// Cancel stops a locally running turn. It reports false when the turn is not
// running in this process.
func (r *StreamRegistry) Cancel(streamID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[streamID]
	delete(r.cancels, streamID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *StreamRegistry) releaseCancel(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, streamID)
}

func decodeEvent(msg redis.XMessage) (types.StreamEvent, error) {
	var ev types.StreamEvent
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return ev, errors.New("missing event payload")
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	ev.ID = msg.ID
	return ev, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// validEntryID reports whether id has the "<ms>-<seq>" shape of a stream entry id.
func validEntryID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}
