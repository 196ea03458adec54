package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/repository"
	"github.com/tieubaoca/ragchat/types"
)

const (
	DefaultMaxSteps    = 5
	DefaultEventBuffer = 16

	degenerateMessage = "The assistant did not produce a response. Please try again."
	failureMessage    = "The assistant failed to generate a response."
	maxChatTitleRunes = 60
)

// TurnStream is what a started or resumed turn delivers. StreamID is empty
// when the turn is not resumable.
type TurnStream struct {
	ChatID   string
	StreamID string
	Events   <-chan types.StreamEvent
}

// ChatService runs chat turns: it assembles history, drives the model through
// tool steps and streams every event to the turn's sink.
type ChatService struct {
	chats        repository.ChatRepo
	pools        repository.PoolRepo
	ai           AIService
	tools        *ToolRegistry
	registry     *StreamRegistry
	systemPrompt string
	maxSteps     int
	eventBuffer  int
}

// NewChatService builds the orchestrator. A nil registry means every turn is
// delivered directly and cannot be resumed.
func NewChatService(chats repository.ChatRepo, pools repository.PoolRepo, ai AIService, tools *ToolRegistry, registry *StreamRegistry, cfg config.ChatConfig) *ChatService {
	s := &ChatService{
		chats:        chats,
		pools:        pools,
		ai:           ai,
		tools:        tools,
		registry:     registry,
		systemPrompt: cfg.SystemPrompt,
		maxSteps:     cfg.MaxSteps,
		eventBuffer:  cfg.EventBuffer,
	}
	if s.maxSteps <= 0 {
		s.maxSteps = DefaultMaxSteps
	}
	if s.eventBuffer <= 0 {
		s.eventBuffer = DefaultEventBuffer
	}
	return s
}

// turn is the state of one running chat turn.
type turn struct {
	chat      *types.Chat
	ctx       types.TurnContext
	history   []types.Message
	assistant *types.Message
	streamID  string
	emit      func(types.StreamEvent)
}

// StartTurn persists the user message and starts generation. Validation and
// ownership failures are returned before anything streams.
func (s *ChatService) StartTurn(ctx context.Context, req types.TurnRequest) (*TurnStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, types.Validation("StartTurn", "message text is required")
	}
	t, err := s.assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.registry != nil {
		stream, err := s.startResumable(ctx, t)
		if err == nil {
			return stream, nil
		}
		zap.L().Warn("stream registry unavailable, delivering directly", zap.String("chat_id", t.chat.ID), zap.Error(err))
	}
	return s.startDirect(ctx, t), nil
}

func (s *ChatService) startResumable(ctx context.Context, t *turn) (*TurnStream, error) {
	session, err := s.registry.Register(ctx, t.chat.ID)
	if err != nil {
		return nil, err
	}
	t.streamID = session.StreamID

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.registry.RegisterCancel(session.StreamID, cancel)

	writeCtx := context.WithoutCancel(ctx)
	t.emit = func(ev types.StreamEvent) {
		if _, err := s.registry.Append(writeCtx, session.StreamID, ev); err != nil {
			zap.L().Warn("failed to append stream event", zap.String("stream_id", session.StreamID), zap.Error(err))
		}
	}

	events, err := s.registry.Subscribe(ctx, session.StreamID, "")
	if err != nil {
		cancel()
		_ = s.registry.Complete(writeCtx, session.StreamID, t.chat.ID, types.StreamAbandoned)
		return nil, err
	}

	go func() {
		defer cancel()
		if err := s.registry.SetState(writeCtx, session.StreamID, types.StreamRunning); err != nil {
			zap.L().Warn("failed to mark stream running", zap.String("stream_id", session.StreamID), zap.Error(err))
		}
		state := s.run(runCtx, t)
		if err := s.registry.Complete(writeCtx, session.StreamID, t.chat.ID, state); err != nil {
			zap.L().Warn("failed to complete stream", zap.String("stream_id", session.StreamID), zap.Error(err))
		}
	}()
	return &TurnStream{ChatID: t.chat.ID, StreamID: session.StreamID, Events: events}, nil
}

// startDirect delivers over a bounded channel tied to the request context.
func (s *ChatService) startDirect(ctx context.Context, t *turn) *TurnStream {
	ch := make(chan types.StreamEvent, s.eventBuffer)
	t.emit = func(ev types.StreamEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(ch)
		s.run(ctx, t)
	}()
	return &TurnStream{ChatID: t.chat.ID, Events: ch}
}

func (s *ChatService) assemble(ctx context.Context, req types.TurnRequest) (*turn, error) {
	poolIDs, err := s.ownedPools(ctx, req.OwnerID, req.PoolIDs)
	if err != nil {
		return nil, err
	}
	chat, err := s.loadOrCreateChat(ctx, req)
	if err != nil {
		return nil, err
	}
	history, err := s.chats.GetMessages(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	history = FilterRecovered(history)

	user := types.Message{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		Role:      types.RoleUser,
		Parts:     []types.MessagePart{{Type: types.PartText, Text: req.Text}},
		CreatedAt: time.Now().UnixNano(),
	}
	if err := s.chats.CreateMessage(ctx, &user); err != nil {
		return nil, err
	}

	return &turn{
		chat: chat,
		ctx: types.TurnContext{
			ChatID:      chat.ID,
			OwnerID:     req.OwnerID,
			PoolIDs:     poolIDs,
			DocumentIDs: req.DocumentIDs,
		},
		history: append(history, user),
		assistant: &types.Message{
			ID:     uuid.NewString(),
			ChatID: chat.ID,
			Role:   types.RoleAssistant,
		},
	}, nil
}

// ownedPools resolves the pools a turn may search. A missing or foreign pool
// fails the turn before anything is persisted.
func (s *ChatService) ownedPools(ctx context.Context, ownerID string, poolIDs []string) ([]string, error) {
	if len(poolIDs) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(poolIDs))
	out := make([]string, 0, len(poolIDs))
	for _, id := range poolIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if s.pools == nil {
			return nil, types.NotFound("StartTurn", "pool %s not found", id)
		}
		pool, err := s.pools.GetPool(ctx, id)
		if errors.Is(err, types.ErrNotFound) || (err == nil && pool.OwnerID != ownerID) {
			return nil, types.NotFound("StartTurn", "pool %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *ChatService) loadOrCreateChat(ctx context.Context, req types.TurnRequest) (*types.Chat, error) {
	if req.ChatID != "" {
		chat, err := s.chats.GetChat(ctx, req.ChatID)
		if err == nil {
			if chat.OwnerID != req.OwnerID {
				return nil, types.NotFound("StartTurn", "chat %s not found", req.ChatID)
			}
			return chat, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}

	id := req.ChatID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().Unix()
	chat := &types.Chat{
		ID:        id,
		OwnerID:   req.OwnerID,
		Title:     chatTitle(req.Text),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.chats.CreateChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func chatTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > maxChatTitleRunes {
		return string(runes[:maxChatTitleRunes]) + "..."
	}
	return string(runes)
}

// FilterRecovered drops every message up to and including the most recent
// recovery marker.
func FilterRecovered(messages []types.Message) []types.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].RecoveryMarker {
			return append([]types.Message(nil), messages[i+1:]...)
		}
	}
	return messages
}

// run drives the model until it stops calling tools or the step budget is
// spent, and reports the terminal state of the turn.
func (s *ChatService) run(ctx context.Context, t *turn) types.StreamState {
	log := zap.L().With(zap.String("chat_id", t.chat.ID), zap.String("stream_id", t.streamID))
	t.emit(types.StreamEvent{Type: types.EventStart, Data: map[string]any{
		"chatId":    t.chat.ID,
		"streamId":  t.streamID,
		"messageId": t.assistant.ID,
	}})

	tools := s.tools.Resolve(t.ctx)
	finishReason := types.FinishStop
	for step := 0; step < s.maxSteps; step++ {
		req := types.GenerationRequest{
			System:   s.systemPrompt,
			Messages: t.messages(),
		}
		if step < s.maxSteps-1 && tools.Len() > 0 {
			req.Tools = tools.Descriptors()
		}

		calls, reason, err := s.step(ctx, t, req)
		if ctx.Err() != nil {
			return s.stop(t)
		}
		if err != nil {
			log.Error("generation failed", zap.Int("step", step), zap.Error(err))
			t.emit(types.StreamEvent{Type: types.EventError, Error: failureMessage})
			return types.StreamErrored
		}
		finishReason = reason
		if len(calls) == 0 || len(req.Tools) == 0 {
			break
		}

		for _, call := range calls {
			if ctx.Err() != nil {
				return s.stop(t)
			}
			t.emit(types.StreamEvent{
				Type:      types.EventDataMarker,
				Transient: true,
				Data:      map[string]any{"tool": call.Name, "toolCallId": call.ID, "status": "running"},
			})
			result := tools.Execute(ctx, call)
			if ctx.Err() != nil {
				return s.stop(t)
			}
			t.assistant.Parts = append(t.assistant.Parts, types.MessagePart{
				Type:       types.PartToolResult,
				ToolCallID: result.ToolCallID,
				ToolName:   result.ToolName,
				Result:     result.Content,
				IsError:    result.IsError,
			})
			t.emit(types.StreamEvent{Type: types.EventToolResult, ToolResult: &result})
		}
	}

	if len(t.assistant.Parts) == 0 {
		log.Warn("model produced no output", zap.Error(types.ErrDegenerateGeneration))
		t.assistant.Parts = []types.MessagePart{{Type: types.PartError, Text: degenerateMessage}}
		t.assistant.RecoveryMarker = true
		finishReason = types.FinishRecovery
		t.emit(types.StreamEvent{Type: types.EventTextDelta, Delta: degenerateMessage})
	}
	if err := s.persist(context.WithoutCancel(ctx), t); err != nil {
		log.Error("failed to persist assistant message", zap.Error(err))
		t.emit(types.StreamEvent{Type: types.EventError, Error: failureMessage})
		return types.StreamErrored
	}
	t.emit(types.StreamEvent{Type: types.EventFinish, FinishReason: finishReason})
	return types.StreamCompleted
}

// step runs one generation request, forwarding events as they arrive.
func (s *ChatService) step(ctx context.Context, t *turn, req types.GenerationRequest) ([]types.ToolCall, string, error) {
	events, err := s.ai.StreamChat(ctx, req)
	if err != nil {
		return nil, "", err
	}

	var calls []types.ToolCall
	var providerErr error
	reason := ""
	for ev := range events {
		switch ev.Type {
		case types.EventTextDelta:
			t.appendDelta(types.PartText, ev.Delta)
			t.emit(types.StreamEvent{Type: types.EventTextDelta, Delta: ev.Delta})
		case types.EventReasoningDelta:
			t.appendDelta(types.PartReasoning, ev.Delta)
			t.emit(types.StreamEvent{Type: types.EventReasoningDelta, Delta: ev.Delta})
		case types.EventToolCall:
			// calls to tools that were not offered are ignored
			if ev.ToolCall == nil || len(req.Tools) == 0 {
				continue
			}
			call := *ev.ToolCall
			calls = append(calls, call)
			t.assistant.Parts = append(t.assistant.Parts, types.MessagePart{
				Type:       types.PartToolCall,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Args:       call.Arguments,
			})
			t.emit(types.StreamEvent{Type: types.EventToolCall, ToolCall: &call})
		case types.EventError:
			providerErr = ev.Err
			if providerErr == nil {
				providerErr = types.Upstream("StreamChat", errors.New("provider reported an error"))
			}
		case types.EventFinish:
			reason = ev.FinishReason
		}
	}
	if providerErr != nil {
		return nil, "", providerErr
	}
	if reason == "" && ctx.Err() == nil {
		return nil, "", types.Upstream("StreamChat", errors.New("provider stream ended without finishing"))
	}
	return calls, reason, nil
}

// stop persists whatever the turn produced before it was cancelled.
func (s *ChatService) stop(t *turn) types.StreamState {
	t.dropUnansweredCalls()
	if len(t.assistant.Parts) > 0 {
		if err := s.persist(context.Background(), t); err != nil {
			zap.L().Error("failed to persist stopped turn", zap.String("chat_id", t.chat.ID), zap.Error(err))
		}
	}
	t.emit(types.StreamEvent{Type: types.EventFinish, FinishReason: types.FinishStopped})
	return types.StreamCompleted
}

func (s *ChatService) persist(ctx context.Context, t *turn) error {
	t.assistant.CreatedAt = time.Now().UnixNano()
	if err := s.chats.CreateMessage(ctx, t.assistant); err != nil {
		return err
	}
	if err := s.chats.TouchChat(ctx, t.chat.ID, time.Now().Unix()); err != nil {
		zap.L().Warn("failed to touch chat", zap.String("chat_id", t.chat.ID), zap.Error(err))
	}
	return nil
}

// messages is the history plus what the assistant produced so far this turn.
func (t *turn) messages() []types.Message {
	if len(t.assistant.Parts) == 0 {
		return t.history
	}
	out := make([]types.Message, 0, len(t.history)+1)
	out = append(out, t.history...)
	current := *t.assistant
	current.Parts = append([]types.MessagePart(nil), t.assistant.Parts...)
	return append(out, current)
}

func (t *turn) appendDelta(kind types.PartType, delta string) {
	if delta == "" {
		return
	}
	parts := t.assistant.Parts
	if n := len(parts); n > 0 && parts[n-1].Type == kind {
		parts[n-1].Text += delta
		return
	}
	t.assistant.Parts = append(parts, types.MessagePart{Type: kind, Text: delta})
}

// dropUnansweredCalls removes tool calls without a result so stored history
// never carries a dangling call.
func (t *turn) dropUnansweredCalls() {
	answered := map[string]bool{}
	for _, p := range t.assistant.Parts {
		if p.Type == types.PartToolResult {
			answered[p.ToolCallID] = true
		}
	}
	kept := t.assistant.Parts[:0]
	for _, p := range t.assistant.Parts {
		if p.Type == types.PartToolCall && !answered[p.ToolCallID] {
			continue
		}
		kept = append(kept, p)
	}
	t.assistant.Parts = kept
}

// Stop cancels a running turn owned by ownerID.
func (s *ChatService) Stop(ctx context.Context, ownerID, streamID string) error {
	session, err := s.ownedSession(ctx, ownerID, streamID)
	if err != nil {
		return err
	}
	if s.registry.Cancel(streamID) || session.State.Terminal() {
		return nil
	}
	return types.NotFound("StopTurn", "stream %s is not running", streamID)
}

// Resume reattaches to a turn's event log after lastEventID.
func (s *ChatService) Resume(ctx context.Context, ownerID, streamID, lastEventID string) (*TurnStream, error) {
	session, err := s.ownedSession(ctx, ownerID, streamID)
	if err != nil {
		return nil, err
	}
	events, err := s.registry.Subscribe(ctx, streamID, lastEventID)
	if err != nil {
		return nil, err
	}
	return &TurnStream{ChatID: session.ChatID, StreamID: streamID, Events: events}, nil
}

// ResumeChat reattaches to the newest outstanding turn of a chat.
func (s *ChatService) ResumeChat(ctx context.Context, ownerID, chatID, lastEventID string) (*TurnStream, error) {
	if _, err := s.ownedChat(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	if s.registry == nil {
		return nil, types.NotFound("ResumeChat", "no resumable stream for chat %s", chatID)
	}
	sessions, err := s.registry.ActiveStreams(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, types.NotFound("ResumeChat", "no resumable stream for chat %s", chatID)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })
	return s.Resume(ctx, ownerID, sessions[0].StreamID, lastEventID)
}

func (s *ChatService) Messages(ctx context.Context, ownerID, chatID string) ([]types.Message, error) {
	if _, err := s.ownedChat(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	return s.chats.GetMessages(ctx, chatID)
}

func (s *ChatService) ListChats(ctx context.Context, ownerID string) ([]*types.Chat, error) {
	return s.chats.ListChats(ctx, ownerID)
}

func (s *ChatService) ownedChat(ctx context.Context, ownerID, chatID string) (*types.Chat, error) {
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.OwnerID != ownerID {
		return nil, types.NotFound("Chat", "chat %s not found", chatID)
	}
	return chat, nil
}

func (s *ChatService) ownedSession(ctx context.Context, ownerID, streamID string) (*types.StreamSession, error) {
	if s.registry == nil {
		return nil, types.NotFound("Stream", "stream %s not found", streamID)
	}
	session, err := s.registry.Session(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedChat(ctx, ownerID, session.ChatID); err != nil {
		return nil, types.NotFound("Stream", "stream %s not found", streamID)
	}
	return session, nil
}
