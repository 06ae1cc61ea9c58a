package turn

import "github.com/voxflame/voxgate/pkg/core/events"

// history is a FIFO of the most recent turns, bounded by limit.
type history struct {
	limit int
	turns []events.Turn
}

func newHistory(limit int) *history {
	return &history{limit: limit, turns: make([]events.Turn, 0, limit)}
}

func (h *history) append(t events.Turn) {
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.limit; over > 0 {
		kept := make([]events.Turn, h.limit, h.limit+1)
		copy(kept, h.turns[over:])
		h.turns = kept
	}
}

// tail returns the trailing min(n, len) turns in corrector form.
func (h *history) tail(n int) []events.ContextTurn {
	if n > len(h.turns) {
		n = len(h.turns)
	}
	if n <= 0 {
		return nil
	}
	out := make([]events.ContextTurn, 0, n)
	for _, t := range h.turns[len(h.turns)-n:] {
		out = append(out, events.ContextTurn{Role: t.Role, Content: t.Content})
	}
	return out
}

func (h *history) snapshot() []events.Turn {
	out := make([]events.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *history) reset() { h.turns = h.turns[:0] }
