// Package agent implements the memory-backed health assistant: a tool
// calling conversation loop over a windowed buffer, primed from long-term
// memory.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/vsf-health/vsf-agent/internal/telemetry"
	"github.com/vsf-health/vsf-agent/pkg/doctors"
	"github.com/vsf-health/vsf-agent/pkg/memory"
)

const (
	// DefaultMaxTurns bounds how many model round trips one chat may take.
	DefaultMaxTurns = 10
	// DefaultTemperature is used for chat and memory synthesis calls.
	DefaultTemperature = 0.7
)

const systemPrompt = `You are a health assistant. You give basic wellness guidance, help users find a suitable doctor, and personalize every reply using the user's long-term memory.

Workflow:
1. When no long-term information is present in the current context, call retrieve_long_term_memory to load it. When it is already in context, reuse it instead of calling the tool again.
2. When the available long-term information is not enough to answer a specific question, call retrieve_qdrant_longterm to semantically search the full memory database. It returns the most relevant stored entries.
3. When the user describes symptoms or asks for a doctor, call retrieve_doctor with the symptoms or specialty.
4. When the user shares an important, stable personal fact that is not yet in long-term memory, call save_memory with a short normalized summary, for example "User's name is Minh, 45 years old".

Principles:
- Keep tool calls to a minimum and reuse information already in context.
- Use stored information to personalize replies: address the user by name and recall their conditions and habits.
- Answer naturally and never mention that you are using tools.`

// primingMessage seeds the conversation buffer with a summary of long-term
// memory. It runs through the normal tool loop, so the summary lands in the
// buffer as a regular exchange.
const primingMessage = "What personal information do you know about me? Briefly summarize all the long-term information you have about me."

// Config wires an Agent.
type Config struct {
	Model       llms.Model
	LongTerm    *memory.LongTerm
	Doctors     *doctors.Searcher
	BufferSize  int
	MaxTurns    int
	Temperature float64
	Log         *logrus.Logger
}

// ChatResult is one completed chat turn.
type ChatResult struct {
	Response  string
	ToolsUsed []ToolUse
}

// Agent is the memory-backed assistant. One chat runs at a time; the buffer
// and priming state are shared across all sessions of the process, matching
// a single-user deployment.
type Agent struct {
	mu sync.Mutex

	model       llms.Model
	longterm    *memory.LongTerm
	doctors     *doctors.Searcher
	buffer      *memory.WindowBuffer
	history     *ToolHistory
	log         *logrus.Logger
	temperature float64
	maxTurns    int

	primed         bool
	msgsSincePrime int

	toolCounter metric.Int64Counter
}

// New creates the agent.
func New(cfg Config) (*Agent, error) {
	if cfg.LongTerm == nil {
		return nil, fmt.Errorf("long-term memory is required")
	}
	if cfg.Doctors == nil {
		return nil, fmt.Errorf("doctor searcher is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = memory.DefaultBufferSize
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	a := &Agent{
		model:       cfg.Model,
		longterm:    cfg.LongTerm,
		doctors:     cfg.Doctors,
		buffer:      memory.NewWindowBuffer(cfg.BufferSize),
		history:     NewToolHistory(),
		log:         cfg.Log,
		temperature: cfg.Temperature,
		maxTurns:    cfg.MaxTurns,
	}

	counter, err := telemetry.Meter().Int64Counter("tool.invocations",
		metric.WithDescription("Number of tool invocations"),
		metric.WithUnit("1"))
	if err != nil {
		cfg.Log.WithError(err).Warn("Failed to create tool invocation counter")
	} else {
		a.toolCounter = counter
	}

	cfg.Log.WithFields(logrus.Fields{
		"buffer_size": cfg.BufferSize,
		"max_turns":   cfg.MaxTurns,
	}).Info("Agent initialized")
	return a, nil
}

// Chat sends one user message through the agent and returns the reply plus
// the tools that were used. The buffer is primed from long-term memory on
// the first chat and re-primed once a full window of messages has passed.
func (a *Agent) Chat(ctx context.Context, message string) (*ChatResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.model == nil {
		return nil, fmt.Errorf("no chat model configured")
	}

	ctx, span := telemetry.Tracer().Start(ctx, "chat_with_agent")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.message", telemetry.Truncate(message, 500)),
		attribute.Bool("chat.primed", a.primed),
	)

	if !a.primed {
		a.log.Info("First chat, priming buffer memory")
		a.prime(ctx)
	} else if a.msgsSincePrime >= a.buffer.Size() {
		a.log.Info("Buffer window exhausted, re-priming")
		span.SetAttributes(attribute.Bool("chat.reprimed", true))
		a.prime(ctx)
	}

	response, toolsUsed, err := a.converse(ctx, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	a.buffer.AddExchange(message, response)
	a.msgsSincePrime++

	span.SetAttributes(
		attribute.Int("chat.tools_used", len(toolsUsed)),
		attribute.Int("chat.response_length", len(response)),
	)
	a.log.WithFields(logrus.Fields{
		"since_prime": a.msgsSincePrime,
		"buffer_size": a.buffer.Size(),
	}).Info("Priming status")
	return &ChatResult{Response: response, ToolsUsed: toolsUsed}, nil
}

// prime runs the priming question through the tool loop and stores the
// exchange in the buffer. A failed priming is logged and retried on the
// next chat.
func (a *Agent) prime(ctx context.Context) {
	summary, _, err := a.converse(ctx, primingMessage)
	if err != nil {
		a.log.WithError(err).Error("Priming failed")
		return
	}
	a.buffer.AddExchange(primingMessage, summary)
	a.msgsSincePrime = 0
	a.primed = true
	a.log.WithField("summary", telemetry.Truncate(summary, 100)).Info("Primed buffer memory")
}

// converse runs the tool calling loop for one input message.
func (a *Agent) converse(ctx context.Context, input string) (string, []ToolUse, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
	}
	for _, msg := range a.buffer.Messages() {
		role := llms.ChatMessageTypeHuman
		if msg.Role == memory.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, msg.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input))

	var toolsUsed []ToolUse
	for turn := 1; turn <= a.maxTurns; turn++ {
		resp, err := a.model.GenerateContent(ctx, messages,
			llms.WithTools(toolDefinitions()),
			llms.WithTemperature(a.temperature))
		if err != nil {
			return "", toolsUsed, fmt.Errorf("model call failed on turn %d: %w", turn, err)
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			return choice.Content, toolsUsed, nil
		}

		assistantParts := []llms.ContentPart{}
		if choice.Content != "" {
			assistantParts = append(assistantParts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
		}
		messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: assistantParts})

		for _, tc := range choice.ToolCalls {
			use := a.executeTool(ctx, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
			toolsUsed = append(toolsUsed, use)
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       tc.FunctionCall.Name,
					Content:    use.ToolOutput,
				}},
			})
		}
	}
	return "", toolsUsed, fmt.Errorf("agent exceeded %d turns without a final answer", a.maxTurns)
}

// Primed reports whether the buffer has been primed.
func (a *Agent) Primed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primed
}

// MessagesSincePrime returns how many user messages arrived since the last
// priming.
func (a *Agent) MessagesSincePrime() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgsSincePrime
}

// BufferSize returns the conversation window size.
func (a *Agent) BufferSize() int { return a.buffer.Size() }

// ShouldReprime reports whether the next chat will re-prime the buffer.
func (a *Agent) ShouldReprime() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgsSincePrime >= a.buffer.Size()
}

// MessagesUntilReprime returns how many more user messages fit before the
// buffer is re-primed.
func (a *Agent) MessagesUntilReprime() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	left := a.buffer.Size() - a.msgsSincePrime
	if left < 0 {
		return 0
	}
	return left
}

// BufferMessages returns the buffered conversation turns, oldest first.
func (a *Agent) BufferMessages() []memory.Message {
	return a.buffer.Messages()
}

// ClearBuffer empties the conversation buffer and resets priming state.
func (a *Agent) ClearBuffer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer.Clear()
	a.msgsSincePrime = 0
	a.primed = false
	a.log.Info("Buffer memory cleared, priming state reset")
}

// LongTerm exposes the long-term memory facade.
func (a *Agent) LongTerm() *memory.LongTerm { return a.longterm }

// History exposes the tool invocation history.
func (a *Agent) History() *ToolHistory { return a.history }
