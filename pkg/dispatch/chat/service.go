// Package chat runs conversation turns: it loads the recent history of a
// chat, dispatches the workflow, and stores the new human and assistant
// items so the next turn can continue a pending interaction.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/history"
)

// DefaultHistoryDepth is how many items a turn loads.
const DefaultHistoryDepth = 30

// ErrNoChat indicates a turn without a chat id.
var ErrNoChat = errors.New("turn has no chat id")

// Service runs turns against one engine and history store.
// It is safe for concurrent use across chats; turns of the same chat must
// be serialized by the caller.
type Service struct {
	engine *dispatch.Engine
	store  history.Store
	depth  int
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHistoryDepth sets how many history items a turn loads.
func WithHistoryDepth(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.depth = n
		}
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a turn service.
func NewService(engine *dispatch.Engine, store history.Store, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		store:  store,
		depth:  DefaultHistoryDepth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TurnRequest is one user message to a chat.
type TurnRequest struct {
	ChatID string
	TeamID string
	AppID  string
	Query  string

	Nodes      []dispatch.Node
	Edges      []dispatch.Edge
	Variables  map[string]any
	ChatConfig dispatch.ChatConfig
	// ResumeToken must match the pending interaction when set.
	ResumeToken string
}

// TurnResult is the dispatch result plus the stored items.
type TurnResult struct {
	*dispatch.Result
	Human     dispatch.HistoryItem
	Assistant dispatch.HistoryItem
}

// Turn dispatches one message.
//
// A run that fails after it started is still stored, and its error is
// returned with the result. Graph errors and stale resume tokens store
// nothing. Items are written even when ctx is cancelled mid-run, so the
// conversation reflects what was shown to the user.
func (s *Service) Turn(ctx context.Context, req TurnRequest, opts ...dispatch.RunOption) (*TurnResult, error) {
	if req.ChatID == "" {
		return nil, ErrNoChat
	}

	histories, err := s.store.Recent(ctx, req.ChatID, s.depth)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	pending := dispatch.LastInteractive(histories)

	aiID := uuid.NewString()
	res, runErr := s.engine.Dispatch(ctx, dispatch.Request{
		Nodes:              req.Nodes,
		Edges:              req.Edges,
		Variables:          req.Variables,
		Query:              req.Query,
		Histories:          histories,
		ChatConfig:         req.ChatConfig,
		ResumeToken:        req.ResumeToken,
		TeamID:             req.TeamID,
		AppID:              req.AppID,
		ChatID:             req.ChatID,
		ResponseChatItemID: aiID,
	}, opts...)
	if res == nil {
		return nil, runErr
	}

	storeCtx := context.WithoutCancel(ctx)
	if pending != nil {
		last := histories[len(histories)-1]
		if err := s.store.MarkAnswered(storeCtx, req.ChatID, last.ID); err != nil {
			return nil, fmt.Errorf("mark interaction answered: %w", err)
		}
	}

	human, err := s.store.Append(storeCtx, dispatch.HistoryItem{
		ChatID: req.ChatID,
		Role:   dispatch.RoleHuman,
		Text:   req.Query,
	})
	if err != nil {
		return nil, fmt.Errorf("store human item: %w", err)
	}

	ai := dispatch.HistoryItem{
		ID:          aiID,
		ChatID:      req.ChatID,
		Role:        dispatch.RoleAI,
		Text:        res.AnswerText(),
		NodeOutputs: res.RecordedOutputs,
	}
	if res.Suspended != nil {
		ai.Interactive = res.Suspended.Interactive
	}
	ai, err = s.store.Append(storeCtx, ai)
	if err != nil {
		return nil, fmt.Errorf("store assistant item: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("turn stored",
			slog.String("chat_id", req.ChatID),
			slog.String("run_id", res.RunID),
			slog.String("state", string(res.State)),
			slog.Bool("continued", pending != nil),
		)
	}
	return &TurnResult{Result: res, Human: human, Assistant: ai}, runErr
}
