package turn

import (
	"sync"

	"github.com/hauksbok/kvasir/pkg/provider/llm"
)

// History holds the session's conversation as alternating user/assistant
// messages. Exchanges are appended only when a turn completes normally, in
// completion order, by the coordinator alone; readers may snapshot
// concurrently. Once the cap is reached the oldest exchange is evicted.
type History struct {
	mu           sync.Mutex
	messages     []llm.Message
	maxExchanges int
}

// NewHistory creates a History keeping at most maxExchanges user/assistant
// pairs. maxExchanges <= 0 selects 32.
func NewHistory(maxExchanges int) *History {
	if maxExchanges <= 0 {
		maxExchanges = 32
	}
	return &History{maxExchanges: maxExchanges}
}

// Append records one completed exchange.
func (h *History) Append(userText, assistantText string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages,
		llm.Message{Role: "user", Content: userText},
		llm.Message{Role: "assistant", Content: assistantText},
	)
	if over := len(h.messages)/2 - h.maxExchanges; over > 0 {
		h.messages = append(h.messages[:0:0], h.messages[over*2:]...)
	}
}

// Messages returns a snapshot of the conversation in order.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of stored exchanges.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages) / 2
}
