package model

import (
	"fmt"
	"time"
)

// ExecutionStatus is the terminal status of an execution.
type ExecutionStatus string

const (
	// ExecutionStatusSuccess indicates the execution produced a result.
	ExecutionStatusSuccess ExecutionStatus = "success"
	// ExecutionStatusError indicates the execution failed.
	ExecutionStatusError ExecutionStatus = "error"
)

// ExecutionRequest is one inbound unit of work for a tenant.
type ExecutionRequest struct {
	TenantID  string
	ChannelID string
	Prompt    string
	// MediaPath references binary media attached to the request (optional).
	// Requests carrying media are never eligible for the fast path.
	MediaPath string
	// SessionID is the remembered session to resume (optional).
	SessionID string
	// Scheduled marks a non-interactive run triggered by a schedule rather
	// than a user message.
	Scheduled bool
	// SystemPrompt overrides the default system prompt (optional).
	SystemPrompt string
	// MemoryContext is extra context injected into the run (optional).
	MemoryContext string
}

// Validate validates the execution request.
func (r *ExecutionRequest) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant id is required: %w", ErrNotValid)
	}
	if r.Prompt == "" && !r.Scheduled {
		return fmt.Errorf("prompt is required: %w", ErrNotValid)
	}
	return nil
}

// ExecutionResult is produced exactly once per request.
type ExecutionResult struct {
	Status ExecutionStatus
	Result string
	// SessionID is the (possibly rotated) session id returned by the run.
	SessionID      string
	PromptTokens   int
	ResponseTokens int
	Error          string
	// Truncated marks that subprocess output exceeded the byte cap and
	// was dropped beyond it.
	Truncated bool
	Duration  time.Duration
}

// ProgressEventType is the kind of a progress event.
type ProgressEventType string

const (
	// ProgressEventTool reports that the agent invoked a tool.
	ProgressEventTool ProgressEventType = "tool_use"
	// ProgressEventMessage reports accumulating assistant text.
	ProgressEventMessage ProgressEventType = "message"
)

// ProgressEvent is an intermediate update emitted while a run is in flight.
type ProgressEvent struct {
	Type     ProgressEventType
	ToolName string
	// Delta is the text added since the previous message event.
	Delta string
	// Content is the full accumulated text snapshot.
	Content string
}

// ProgressSink receives throttled progress events for an in-flight run.
type ProgressSink func(ev ProgressEvent)

// UsageRecord is one per-run usage accounting entry.
type UsageRecord struct {
	TenantID       string
	Duration       time.Duration
	PromptTokens   int
	ResponseTokens int
	Status         ExecutionStatus
	CreatedAt      time.Time
}
