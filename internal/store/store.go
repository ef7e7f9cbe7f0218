// ABOUTME: Store interface and record types for ask usage and conversation tracking.
// ABOUTME: Defines what the gateway persists; SQLite provides the implementation.

package store

import (
	"context"
	"time"
)

// AskOutcome is the terminal result of one ask recorded for analytics.
type AskOutcome string

const (
	OutcomeDone      AskOutcome = "done"
	OutcomeCancelled AskOutcome = "cancelled"
	OutcomeError     AskOutcome = "error"
)

// AskUsage is one completed ask's accounting record.
type AskUsage struct {
	ID             string
	Module         string
	ConversationID string
	MessageID      string
	PromptChars    int
	ResponseChars  int
	Duration       time.Duration
	Outcome        AskOutcome
	CreatedAt      time.Time
}

// Conversation tracks one conversation's lifetime within a module session.
type Conversation struct {
	Module         string
	ConversationID string
	LastMessageID  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UsageFilter narrows usage aggregation queries. Nil fields match everything.
type UsageFilter struct {
	Module *string
	Since  *time.Time
	Until  *time.Time
}

// UsageSummary is the aggregate of matching ask records.
type UsageSummary struct {
	AskCount           int64 `json:"ask_count"`
	DoneCount          int64 `json:"done_count"`
	CancelledCount     int64 `json:"cancelled_count"`
	ErrorCount         int64 `json:"error_count"`
	TotalPromptChars   int64 `json:"total_prompt_chars"`
	TotalResponseChars int64 `json:"total_response_chars"`
	TotalDurationMS    int64 `json:"total_duration_ms"`
}

// Store persists ask usage and conversation records.
type Store interface {
	// RecordAsk inserts one completed ask's accounting record.
	RecordAsk(ctx context.Context, usage *AskUsage) error

	// TouchConversation upserts a conversation, updating its last message
	// and timestamp.
	TouchConversation(ctx context.Context, module, conversationID, lastMessageID string) error

	// DeleteConversation removes a conversation record. Deleting an unknown
	// conversation is not an error.
	DeleteConversation(ctx context.Context, module, conversationID string) error

	// ListConversations returns a module's conversations, most recent first.
	ListConversations(ctx context.Context, module string) ([]*Conversation, error)

	// UsageSummary aggregates ask records matching the filter.
	UsageSummary(ctx context.Context, filter UsageFilter) (*UsageSummary, error)

	// Close releases the underlying database.
	Close() error
}
