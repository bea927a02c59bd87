package clubchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// streamDelay separates simulated token chunks.
const streamDelay = 20 * time.Millisecond

// SendResult is the outcome of one chat turn.
type SendResult struct {
	Message       string            `json:"message"`
	MessageID     string            `json:"message_id"`
	ThreadID      string            `json:"thread_id"`
	ToolsUsed     []string          `json:"tools_used"`
	ExecutionTime time.Duration     `json:"execution_time"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Chat is the per-thread entry point consumed by the front door. It
// owns history, invokes the orchestrator, and persists both turns.
type Chat struct {
	store        ThreadStore
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewChat creates the chat facade.
func NewChat(store ThreadStore, orchestrator *Orchestrator, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = nopLogger
	}
	return &Chat{store: store, orchestrator: orchestrator, logger: logger}
}

// CreateThread starts a new conversation and returns its id.
func (c *Chat) CreateThread(ctx context.Context) (string, error) {
	return c.store.CreateThread(ctx)
}

// Messages returns the full ordered history of a thread.
func (c *Chat) Messages(ctx context.Context, threadID string) ([]Message, error) {
	return c.store.Messages(ctx, threadID)
}

// DeleteThread removes a thread. Returns false when it did not exist.
func (c *Chat) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	return c.store.DeleteThread(ctx, threadID)
}

// Send runs one chat turn: persist the user message, orchestrate, and
// persist the assistant reply. The user turn is committed before
// orchestration so history survives a mid-request failure.
func (c *Chat) Send(ctx context.Context, threadID, text string) (SendResult, error) {
	start := time.Now()

	history, err := c.store.Messages(ctx, threadID)
	if err != nil {
		return SendResult{}, err
	}
	if _, err := c.store.Append(ctx, threadID, RoleUser, text, nil); err != nil {
		return SendResult{}, err
	}

	result := c.orchestrator.Run(ctx, text, history)

	meta := map[string]string{
		"red_flag":   fmt.Sprintf("%t", result.RedFlag),
		"confidence": fmt.Sprintf("%.2f", result.Confidence),
		"iterations": fmt.Sprintf("%d", result.Iterations),
	}
	if len(result.ToolsUsed) > 0 {
		meta["tools_used"] = strings.Join(result.ToolsUsed, ",")
	}
	msgID, err := c.store.Append(ctx, threadID, RoleAssistant, result.Response, meta)
	if err != nil {
		return SendResult{}, err
	}

	c.logger.Info("chat turn complete",
		"thread", threadID,
		"tools_used", result.ToolsUsed,
		"red_flag", result.RedFlag,
		"duration", time.Since(start))

	return SendResult{
		Message:       result.Response,
		MessageID:     msgID,
		ThreadID:      threadID,
		ToolsUsed:     result.ToolsUsed,
		ExecutionTime: time.Since(start),
		Metadata:      meta,
	}, nil
}

// Stream runs one chat turn and emits the reply as a sequence of
// simulated token events. The channel is closed after the final done
// (or error) event. Streaming is simulated: the orchestration completes
// first, then the reply is chunked with a small artificial delay.
func (c *Chat) Stream(ctx context.Context, threadID, text string) (<-chan StreamEvent, error) {
	// Validate the thread before spawning so misuse fails synchronously.
	if _, err := c.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)

		result, err := c.Send(ctx, threadID, text)
		if err != nil {
			ch <- StreamEvent{
				Type:     EventError,
				Content:  err.Error(),
				Metadata: map[string]string{"thread_id": threadID},
			}
			return
		}

		for _, chunk := range chunkRunes(result.Message, streamChunkSize) {
			select {
			case ch <- StreamEvent{
				Type:     EventToken,
				Content:  chunk,
				Metadata: map[string]string{"thread_id": threadID},
			}:
			case <-ctx.Done():
				return
			}
			time.Sleep(streamDelay)
		}

		done := StreamEvent{
			Type: EventDone,
			Metadata: map[string]string{
				"thread_id":  threadID,
				"tools_used": strings.Join(result.ToolsUsed, ","),
			},
		}
		select {
		case ch <- done:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
