// ABOUTME: Anthropic Messages backend with in-session conversation history.
// ABOUTME: Streams accumulated text deltas as chunks and classifies API failures.

package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/2389/seance-gateway/internal/backend"
)

const (
	defaultModel      = anthropic.ModelClaude3_5Sonnet20241022
	defaultMaxTokens  = 4096
	defaultMaxHistory = 40
)

// Backend drives one Anthropic-backed conversational session. Conversation
// history is kept in memory per conversation ID for the session's lifetime.
// The orchestrator guarantees calls are never concurrent.
type Backend struct {
	cfg    backend.Config
	logger *slog.Logger

	client *anthropic.Client

	conversations map[string][]anthropic.MessageParam
	order         []string
}

// New constructs an Anthropic backend from module configuration. The session
// is not established until Initialize.
func New(cfg backend.Config, logger *slog.Logger) (backend.Backend, error) {
	if cfg.Model == "" {
		cfg.Model = string(defaultModel)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Initialize builds the API client and probes it with a model listing.
func (b *Backend) Initialize(ctx context.Context) error {
	var opts []option.RequestOption
	if b.cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(b.cfg.APIKey))
	}
	if b.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(b.cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	if _, err := client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("%w: probing anthropic api: %v", backend.ErrInitialization, err)
	}

	b.client = &client
	b.conversations = make(map[string][]anthropic.MessageParam)
	b.order = nil
	b.logger.Info("anthropic session established", "model", b.cfg.Model)
	return nil
}

// Ask sends the prompt with the conversation's history and emits a chunk per
// streamed text delta, carrying the cumulative text so far. The final chunk
// has Finished=true. Cancellation propagates through ctx.
func (b *Backend) Ask(ctx context.Context, req backend.AskRequest, emit func(backend.Chunk) error) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if b.client == nil {
		return fmt.Errorf("%w: session not established", backend.ErrSession)
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	} else if _, ok := b.conversations[convID]; !ok {
		return fmt.Errorf("%w: unknown conversation %q", backend.ErrRequest, convID)
	}

	history := b.conversations[convID]
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		Messages:  messages,
		MaxTokens: b.cfg.MaxTokens,
	}
	if b.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(b.cfg.Temperature)
	}
	if b.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: b.cfg.SystemPrompt}}
	}

	var text strings.Builder
	var message anthropic.Message

	stream := b.client.Messages.NewStreaming(ctx, params)
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return fmt.Errorf("%w: accumulating stream event: %v", backend.ErrTransient, err)
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text == "" {
					continue
				}
				text.WriteString(deltaVariant.Text)
				if err := emit(backend.Chunk{
					ConversationID: convID,
					MessageID:      message.ID,
					Response:       text.String(),
				}); err != nil {
					return err
				}
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := stream.Err(); err != nil {
		return classifyAPIError(err)
	}

	history = append(history,
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		anthropic.NewAssistantMessage(anthropic.NewTextBlock(text.String())),
	)
	if max := b.cfg.MaxHistory * 2; len(history) > max {
		history = history[len(history)-max:]
	}
	b.conversations[convID] = history
	b.touch(convID)

	return emit(backend.Chunk{
		Finished:       true,
		ConversationID: convID,
		MessageID:      message.ID,
		Response:       text.String(),
	})
}

// DeleteConversation drops one conversation's history; the most recently used
// one when id is empty. Returns the ID that was deleted.
func (b *Backend) DeleteConversation(ctx context.Context, conversationID string) (string, error) {
	if b.client == nil {
		return "", fmt.Errorf("%w: session not established", backend.ErrSession)
	}
	if conversationID == "" {
		if len(b.order) == 0 {
			return "", fmt.Errorf("%w: no conversations", backend.ErrNotFound)
		}
		conversationID = b.order[len(b.order)-1]
	}
	if _, ok := b.conversations[conversationID]; !ok {
		return "", fmt.Errorf("%w: conversation %q", backend.ErrNotFound, conversationID)
	}

	delete(b.conversations, conversationID)
	b.remove(conversationID)
	b.logger.Info("conversation deleted", "conversation_id", conversationID)
	return conversationID, nil
}

// Close discards the client and all conversation state. Safe after a failed
// Initialize and safe to call twice.
func (b *Backend) Close(ctx context.Context) error {
	b.client = nil
	b.conversations = nil
	b.order = nil
	return nil
}

// touch moves a conversation to the most-recently-used position.
func (b *Backend) touch(conversationID string) {
	b.remove(conversationID)
	b.order = append(b.order, conversationID)
}

// remove deletes a conversation ID from the recency order if present.
func (b *Backend) remove(conversationID string) {
	for i, id := range b.order {
		if id == conversationID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// classifyAPIError maps an anthropic-sdk-go error onto the backend taxonomy.
func classifyAPIError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return fmt.Errorf("%w: %v", backend.ErrSession, err)
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", backend.ErrTransient, err)
		case apiErr.StatusCode >= 400:
			return fmt.Errorf("%w: %v", backend.ErrRequest, err)
		}
	}
	return fmt.Errorf("%w: %v", backend.ErrTransient, err)
}
