package memory

import "sync"

// Message is one turn in the conversation buffer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	// RoleUser marks a human turn.
	RoleUser = "user"
	// RoleAssistant marks an agent turn.
	RoleAssistant = "assistant"
)

// DefaultBufferSize is the conversation window kept for the agent, counted
// in exchanges.
const DefaultBufferSize = 10

// WindowBuffer holds the most recent conversation exchanges. An exchange is
// one user message plus the assistant reply; only the newest size exchanges
// are kept.
type WindowBuffer struct {
	mu        sync.Mutex
	size      int
	exchanges [][2]Message
}

// NewWindowBuffer creates a buffer keeping the last size exchanges.
func NewWindowBuffer(size int) *WindowBuffer {
	if size < 1 {
		size = 1
	}
	return &WindowBuffer{size: size}
}

// Size returns the window size in exchanges.
func (b *WindowBuffer) Size() int { return b.size }

// AddExchange appends a user/assistant pair, evicting the oldest exchange
// when the window is full.
func (b *WindowBuffer) AddExchange(user, assistant string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = append(b.exchanges, [2]Message{
		{Role: RoleUser, Content: user},
		{Role: RoleAssistant, Content: assistant},
	})
	if len(b.exchanges) > b.size {
		b.exchanges = b.exchanges[len(b.exchanges)-b.size:]
	}
}

// Messages returns the buffered turns oldest first.
func (b *WindowBuffer) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.exchanges)*2)
	for _, ex := range b.exchanges {
		out = append(out, ex[0], ex[1])
	}
	return out
}

// Len returns the number of buffered exchanges.
func (b *WindowBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges)
}

// Clear empties the buffer.
func (b *WindowBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = nil
}
