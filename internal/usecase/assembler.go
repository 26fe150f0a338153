package usecase

import (
	"slices"

	"tutor-assistant/internal/budget"
	"tutor-assistant/internal/domain"
)

// AssembleRequest is everything competing for one prompt.
type AssembleRequest struct {
	BudgetTokens   int
	ReservedTokens int
	System         ContextBlock
	// Blocks are domain facts in priority order, most important first.
	Blocks []ContextBlock
	// History is newest first; History[0] is the question being answered.
	History []domain.Message
}

// Assemble composes the prompt for one answer within BudgetTokens minus the
// tokens reserved for the reply. The system block is mandatory. Domain blocks
// are taken greedily in priority order; one that does not fit is skipped and
// smaller, lower-priority blocks may still be taken. History is then kept as
// the longest newest-first run that fits, so older turns are dropped before
// newer ones and nothing in the middle of the conversation goes missing.
func Assemble(req AssembleRequest) ([]domain.ChatMessage, error) {
	effective := req.BudgetTokens - req.ReservedTokens
	if effective <= 0 {
		return nil, newError(ErrorBudgetExhausted, "reserve_exceeds_window", nil)
	}
	tracker := budget.New(effective)

	if req.System == nil || !tracker.Charge(req.System.Price()) {
		return nil, newError(ErrorBudgetExhausted, "system_prompt_too_large", nil)
	}

	var blocks []domain.ChatMessage
	for _, b := range req.Blocks {
		if tracker.TryCharge(b.Price()) {
			blocks = append(blocks, domain.ChatMessage{Role: domain.RoleUser, Content: b.Render()})
		}
	}

	var kept []domain.ChatMessage
	for _, m := range req.History {
		if !tracker.Charge(m.Tokens) {
			break
		}
		kept = append(kept, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(kept) == 0 {
		return nil, newError(ErrorBudgetExhausted, "question_too_large", nil)
	}
	slices.Reverse(kept)

	prompt := make([]domain.ChatMessage, 0, 1+len(blocks)+len(kept))
	prompt = append(prompt, domain.ChatMessage{Role: domain.RoleSystem, Content: req.System.Render()})
	prompt = append(prompt, blocks...)
	return append(prompt, kept...), nil
}
