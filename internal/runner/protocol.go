package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clawmux/clawmux/internal/model"
)

// Sentinel markers bracketing the final result document on the subprocess
// stdout. They let the runner locate the document unambiguously even when the
// agent printed other JSON-looking lines before it.
const (
	resultStartSentinel = "-----CLAWMUX-RESULT-BEGIN-----"
	resultEndSentinel   = "-----CLAWMUX-RESULT-END-----"
)

// runInput is the single JSON document written to the subprocess stdin.
type runInput struct {
	Prompt        string `json:"prompt"`
	SessionID     string `json:"sessionId,omitempty"`
	TenantID      string `json:"tenantId"`
	ChannelID     string `json:"channelId"`
	IsPrivileged  bool   `json:"isPrivileged"`
	IsScheduled   bool   `json:"isScheduled,omitempty"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`
	MediaPath     string `json:"mediaPath,omitempty"`
	MemoryContext string `json:"memoryContext,omitempty"`
}

// progressLine is one intermediate JSON line on the subprocess stdout.
type progressLine struct {
	Type     string `json:"type"`
	ToolName string `json:"toolName,omitempty"`
	Content  string `json:"content,omitempty"`
}

// finalResult is the sentinel-wrapped result document.
type finalResult struct {
	Status         string `json:"status"`
	Result         string `json:"result"`
	NewSessionID   string `json:"newSessionId,omitempty"`
	Error          string `json:"error,omitempty"`
	PromptTokens   int    `json:"promptTokens,omitempty"`
	ResponseTokens int    `json:"responseTokens,omitempty"`
}

// parseFinalResult locates and parses the final result document in the
// collected stdout. It prefers the sentinel-wrapped document; when no
// sentinels are present it falls back to the last non-empty line, which older
// launchers emit.
func parseFinalResult(stdout string) (*finalResult, error) {
	if doc, ok := extractSentinelDoc(stdout); ok {
		res := &finalResult{}
		if err := json.Unmarshal([]byte(doc), res); err != nil {
			return nil, fmt.Errorf("sentinel document is not valid JSON: %v: %w", err, model.ErrParse)
		}
		return res, nil
	}

	// Compatibility path: last non-empty line.
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		res := &finalResult{}
		if err := json.Unmarshal([]byte(line), res); err != nil || res.Status == "" {
			return nil, fmt.Errorf("no sentinel markers and last line is not a result document: %w", model.ErrParse)
		}
		return res, nil
	}

	return nil, fmt.Errorf("empty output: %w", model.ErrParse)
}

// extractSentinelDoc returns the text between the last start sentinel and the
// following end sentinel.
func extractSentinelDoc(stdout string) (string, bool) {
	start := strings.LastIndex(stdout, resultStartSentinel)
	if start < 0 {
		return "", false
	}
	rest := stdout[start+len(resultStartSentinel):]
	end := strings.Index(rest, resultEndSentinel)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// sessionRejectedPatterns are the launcher error shapes that mean "the
// remembered session id is unknown or expired", which is retryable once
// without a session.
var sessionRejectedPatterns = []string{
	"no conversation found with session",
	"unknown session",
	"session not found",
	"session expired",
}

// isSessionRejected reports whether an error message from the launcher means
// the previous session id was rejected.
func isSessionRejected(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range sessionRejectedPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// tail returns at most n trailing bytes of s, on a line boundary when possible.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	t := s[len(s)-n:]
	if i := strings.IndexByte(t, '\n'); i >= 0 && i < len(t)-1 {
		t = t[i+1:]
	}
	return t
}
