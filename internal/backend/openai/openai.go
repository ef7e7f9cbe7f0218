// ABOUTME: OpenAI Chat Completions backend with in-session conversation history.
// ABOUTME: Streams cumulative answer text as chunks and classifies API failures.

package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/seance-gateway/internal/backend"
)

const (
	defaultModel      = openai.ChatModelGPT4oMini
	defaultMaxTokens  = 4096
	defaultMaxHistory = 40
)

// Backend drives one OpenAI-backed conversational session. Conversation
// history lives in memory for the lifetime of the session, keyed by
// conversation ID; Close discards it. The orchestrator guarantees calls are
// never concurrent.
type Backend struct {
	cfg    backend.Config
	logger *slog.Logger

	client *openai.Client

	// conversations maps conversation ID to its message history.
	// order tracks IDs least-recently-used first.
	conversations map[string][]openai.ChatCompletionMessageParamUnion
	order         []string
}

// New constructs an OpenAI backend from module configuration. The session is
// not established until Initialize.
func New(cfg backend.Config, logger *slog.Logger) (backend.Backend, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
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

// Initialize builds the API client and probes it with a model listing so a
// bad key or unreachable endpoint surfaces here instead of on the first ask.
func (b *Backend) Initialize(ctx context.Context) error {
	var opts []option.RequestOption
	if b.cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(b.cfg.APIKey))
	}
	if b.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(b.cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("%w: probing openai api: %v", backend.ErrInitialization, err)
	}

	b.client = &client
	b.conversations = make(map[string][]openai.ChatCompletionMessageParamUnion)
	b.order = nil
	b.logger.Info("openai session established", "model", b.cfg.Model)
	return nil
}

// Ask sends the prompt with the conversation's history and emits a chunk per
// streamed delta. Each chunk carries the cumulative text so far; the final
// chunk has Finished=true. Cancellation propagates through ctx.
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
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if b.cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(b.cfg.SystemPrompt))
	}
	messages = append(messages, history...)
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               b.cfg.Model,
		MaxCompletionTokens: openai.Int(b.cfg.MaxTokens),
	}
	if b.cfg.Temperature > 0 {
		params.Temperature = openai.Float(b.cfg.Temperature)
	}

	var text strings.Builder
	var messageID string

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	for stream.Next() {
		ck := stream.Current()
		if messageID == "" {
			messageID = ck.ID
		}
		for _, choice := range ck.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if err := emit(backend.Chunk{
				ConversationID: convID,
				MessageID:      messageID,
				Response:       text.String(),
			}); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := stream.Err(); err != nil {
		return classifyAPIError(err)
	}

	// Record the exchange and mark the conversation most recently used.
	history = append(history,
		openai.UserMessage(req.Prompt),
		openai.AssistantMessage(text.String()),
	)
	if max := b.cfg.MaxHistory * 2; len(history) > max {
		history = history[len(history)-max:]
	}
	b.conversations[convID] = history
	b.touch(convID)

	return emit(backend.Chunk{
		Finished:       true,
		ConversationID: convID,
		MessageID:      messageID,
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

// classifyAPIError maps an openai-go error onto the backend taxonomy.
// Auth failures mean the session is no longer usable; rate limits and server
// errors are retryable; 4xx is the caller's fault.
func classifyAPIError(err error) error {
	var apiErr *openai.Error
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
	// Network-level failures are retryable.
	return fmt.Errorf("%w: %v", backend.ErrTransient, err)
}
