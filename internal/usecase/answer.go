package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"tutor-assistant/internal/domain"
)

// PendingAnswer is an assembled prompt waiting to be streamed.
type PendingAnswer struct {
	svc          *Service
	conversation domain.Conversation
	model        string
	prompt       []domain.ChatMessage
	tag          *domain.Annotation
	questionSeq  int
}

func (p *PendingAnswer) ConversationID() string {
	return p.conversation.ID
}

// Prompt returns the messages that will be sent to the model.
func (p *PendingAnswer) Prompt() []domain.ChatMessage {
	return p.prompt
}

// PrepareAnswer assembles the prompt for the latest question of a
// conversation. Reading history and assembling happen under the
// conversation lock; the model is not contacted yet.
func (s *Service) PrepareAnswer(ctx context.Context, t Target) (*PendingAnswer, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if err := s.ensureConfig(ctx); err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}
	conv, err := s.lookup(ctx, t)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(conv.ID)
	defer unlock()

	history, err := s.store.ListReverseChronological(ctx, conv.ID)
	if err != nil {
		return nil, newError(ErrorInternal, "message_list_error", err)
	}
	if len(history) == 0 || history[0].Role != domain.RoleUser {
		return nil, newError(ErrorInvalidInput, "no_pending_question", nil)
	}
	s.backfillTokens(ctx, conv.ID, history)

	model, chatSystem, problemSystem, pdfSystem := s.config()
	req := AssembleRequest{
		BudgetTokens:   s.cfg.ContextWindow,
		ReservedTokens: s.cfg.ReservedAnswerTokens,
		History:        history,
	}
	var tag *domain.Annotation
	switch conv.Binding.Kind {
	case domain.KindProblem:
		req.System = problemSystem
		req.Blocks, err = s.problemBlocks(ctx, conv, history)
	case domain.KindPDF:
		req.System = pdfSystem
		req.Blocks, err = s.pdfBlocks(ctx, conv, history[0].Annotation)
		if a := history[0].Annotation; a != nil {
			tag = &domain.Annotation{SectionID: a.SectionID, PageID: a.PageID}
		}
	default:
		req.System = chatSystem
		if conv.SystemPrompt != "" {
			req.System = NewSystemBlock(s.counter, conv.SystemPrompt)
		}
	}
	if err != nil {
		return nil, err
	}

	prompt, err := Assemble(req)
	if err != nil {
		return nil, err
	}
	return &PendingAnswer{
		svc:          s,
		conversation: conv,
		model:        model,
		prompt:       prompt,
		tag:          tag,
		questionSeq:  history[0].Seq,
	}, nil
}

// Stream sends the prompt to the model, relays the answer to w and, once the
// answer is complete, stores it directly after the question it answers. When
// the conversation moved on meanwhile (a newer question, or a concurrent
// answer to the same one) the answer is not stored. Store failures after the
// answer was shown are reported as PERSISTENCE_ERROR; the text already
// written stays valid.
func (p *PendingAnswer) Stream(ctx context.Context, w io.Writer) (domain.Message, error) {
	stream, err := p.svc.llm.Stream(ctx, p.model, p.prompt)
	if err != nil {
		return domain.Message{}, upstreamError("openai_error", err)
	}

	result, err := NewCollector().Collect(ctx, stream, w)
	if err != nil {
		slog.Warn("answer stream failed", "conversation_id", p.conversation.ID, "err", err)
		return domain.Message{}, err
	}

	unlock := p.svc.locks.lock(p.conversation.ID)
	defer unlock()

	// The caller already has the answer; finish the write even if it hangs up now.
	msg, err := p.svc.store.AppendAfter(context.WithoutCancel(ctx), p.conversation.ID, p.questionSeq, domain.NewMessage{
		Role:       domain.RoleAssistant,
		Content:    result.Content,
		Tokens:     result.CompletionTokens,
		Annotation: p.tag,
	})
	if err != nil {
		reason := "answer_append_error"
		if errors.Is(err, domain.ErrSuperseded) {
			reason = "superseded"
		}
		slog.Warn("answer shown but not saved", "conversation_id", p.conversation.ID, "question_seq", p.questionSeq, "reason", reason, "err", err)
		return domain.Message{}, newError(ErrorPersistence, reason, err)
	}
	return msg, nil
}

// Answer prepares and streams in one call.
func (s *Service) Answer(ctx context.Context, t Target, w io.Writer) (domain.Message, error) {
	pending, err := s.PrepareAnswer(ctx, t)
	if err != nil {
		return domain.Message{}, err
	}
	return pending.Stream(ctx, w)
}

// backfillTokens counts messages stored without a token count, such as those
// copied from a template, and records the count. The in-memory history is
// updated either way so assembly sees real prices.
func (s *Service) backfillTokens(ctx context.Context, conversationID string, history []domain.Message) {
	for i := range history {
		if history[i].Tokens != 0 || history[i].Content == "" {
			continue
		}
		history[i].Tokens = s.counter.Count(history[i].Content)
		if err := s.store.BackfillTokens(ctx, conversationID, history[i].Seq, history[i].Tokens); err != nil {
			slog.Warn("token backfill failed", "conversation_id", conversationID, "seq", history[i].Seq, "err", err)
		}
	}
}

// problemBlocks loads the problem, the code of the question being answered and
// the outcome of its relevant submission.
func (s *Service) problemBlocks(ctx context.Context, conv domain.Conversation, history []domain.Message) ([]ContextBlock, error) {
	question := history[0]
	var codeFrom *domain.Message
	if question.Annotation.HasCode() {
		codeFrom = &question
	} else if question.Annotation != nil && question.Annotation.StartSeq > 0 {
		codeFrom = findSeq(history, question.Annotation.StartSeq)
	}
	submissionID := ""
	if question.Annotation != nil {
		submissionID = question.Annotation.SubmissionID
	}
	if submissionID == "" && codeFrom != nil && codeFrom.Annotation != nil {
		submissionID = codeFrom.Annotation.SubmissionID
	}

	var (
		problem    domain.Problem
		submission *domain.Submission
		results    []domain.TestCaseResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.facts.GetProblem(gctx, conv.Binding.TargetID)
		if err != nil {
			return storeError("problem_lookup_error", err)
		}
		problem = p
		return nil
	})
	if submissionID != "" {
		g.Go(func() error {
			sub, err := s.facts.GetSubmission(gctx, submissionID)
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return newError(ErrorInternal, "submission_lookup_error", err)
			}
			submission = &sub
			return nil
		})
		g.Go(func() error {
			r, err := s.facts.ListTestCaseResults(gctx, submissionID)
			if err != nil {
				return newError(ErrorInternal, "test_result_lookup_error", err)
			}
			results = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blocks := []ContextBlock{NewProblemStatementBlock(s.counter, problem)}
	if codeFrom != nil && codeFrom.Annotation.HasCode() {
		blocks = append(blocks, NewSubmittedCodeBlock(s.counter, codeFrom.Annotation.Src, codeFrom.Annotation.Lang))
	}
	if submission != nil {
		blocks = append(blocks, NewOutcomeBlock(s.counter, *submission, results))
	}
	return blocks, nil
}

// pdfBlocks loads the section and page the question refers to. Records that
// have disappeared since the question was asked are left out.
func (s *Service) pdfBlocks(ctx context.Context, conv domain.Conversation, ann *domain.Annotation) ([]ContextBlock, error) {
	pdf, err := s.facts.GetPDF(ctx, conv.Binding.TargetID)
	if err != nil {
		return nil, storeError("pdf_lookup_error", err)
	}
	if ann == nil {
		return nil, nil
	}

	var blocks []ContextBlock
	if ann.SectionID != "" {
		section, err := s.facts.GetSection(ctx, pdf.ID, ann.SectionID)
		switch {
		case err == nil:
			blocks = append(blocks, NewSectionBlock(s.counter, pdf, section))
		case !errors.Is(err, domain.ErrNotFound):
			return nil, newError(ErrorInternal, "section_lookup_error", err)
		}
	}
	if ann.PageID != "" {
		page, err := s.facts.GetPage(ctx, pdf.ID, ann.PageID)
		switch {
		case err == nil:
			if page.Content != "" {
				blocks = append(blocks, NewPageBlock(s.counter, page))
			}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, newError(ErrorInternal, "page_lookup_error", err)
		}
	}
	return blocks, nil
}
