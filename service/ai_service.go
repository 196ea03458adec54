package service

import (
	"context"

	"github.com/tieubaoca/ragchat/types"
)

// AIService runs one generation step. The returned channel delivers events
// in generation order and is closed after exactly one EventFinish or
// EventError. Tool calls arrive complete, never as fragments.
type AIService interface {
	StreamChat(ctx context.Context, req types.GenerationRequest) (<-chan types.ProviderEvent, error)
}

// sendEvent delivers ev unless ctx is done first.
func sendEvent(ctx context.Context, ch chan<- types.ProviderEvent, ev types.ProviderEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
