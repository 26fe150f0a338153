package usecase

import (
	"context"
	"errors"
	"strings"

	"tutor-assistant/internal/domain"
)

type AskInput struct {
	Target
	Content string

	// Problem questions carry the code they are about.
	Src  string
	Lang string

	// PDF questions may point at a section and/or page.
	SectionID string
	PageID    string
}

type AskOutput struct {
	ConversationID string
	Message        domain.Message
}

// Ask validates and stores a user question. Problem and PDF conversations are
// created on the first question.
func (s *Service) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	if err := in.validate(); err != nil {
		return AskOutput{}, err
	}
	question := strings.TrimSpace(in.Content)
	if question == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	tokens := s.counter.Count(question)
	if tokens > s.cfg.MaxQuestionTokens {
		return AskOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	if in.Kind == domain.KindProblem && (strings.TrimSpace(in.Src) == "" || strings.TrimSpace(in.Lang) == "") {
		return AskOutput{}, newError(ErrorInvalidInput, "missing_code", nil)
	}

	flagged, err := s.llm.Moderate(ctx, question)
	if err != nil {
		return AskOutput{}, upstreamError("moderation_error", err)
	}
	if flagged {
		return AskOutput{}, newError(ErrorInvalidQuestion, "moderation_flagged", nil)
	}

	conv, err := s.resolveForAsk(ctx, in)
	if err != nil {
		return AskOutput{}, err
	}

	unlock := s.locks.lock(conv.ID)
	defer unlock()

	msg := domain.NewMessage{Role: domain.RoleUser, Content: question, Tokens: tokens}
	switch in.Kind {
	case domain.KindProblem:
		msg.Annotation, err = s.annotateCode(ctx, conv, in)
		if err != nil {
			return AskOutput{}, err
		}
	case domain.KindPDF:
		if in.SectionID != "" || in.PageID != "" {
			msg.Annotation = &domain.Annotation{SectionID: in.SectionID, PageID: in.PageID}
		}
	}

	stored, err := s.store.Append(ctx, conv.ID, msg)
	if err != nil {
		return AskOutput{}, storeError("message_append_error", err)
	}
	return AskOutput{ConversationID: conv.ID, Message: stored}, nil
}

// resolveForAsk finds the conversation a question goes to, creating the
// caller's conversation for a problem or PDF when there is none yet.
func (s *Service) resolveForAsk(ctx context.Context, in AskInput) (domain.Conversation, error) {
	switch in.Kind {
	case domain.KindProblem:
		if _, err := s.facts.GetProblem(ctx, in.TargetID); err != nil {
			return domain.Conversation{}, storeError("problem_lookup_error", err)
		}
	case domain.KindPDF:
		if _, err := s.facts.GetPDF(ctx, in.TargetID); err != nil {
			return domain.Conversation{}, storeError("pdf_lookup_error", err)
		}
		if in.SectionID != "" {
			if _, err := s.facts.GetSection(ctx, in.TargetID, in.SectionID); err != nil {
				return domain.Conversation{}, storeError("section_lookup_error", err)
			}
		}
		if in.PageID != "" {
			if _, err := s.facts.GetPage(ctx, in.TargetID, in.PageID); err != nil {
				return domain.Conversation{}, storeError("page_lookup_error", err)
			}
		}
	default:
		return s.lookup(ctx, in.Target)
	}

	conv, _, err := s.store.GetOrCreateBinding(ctx, domain.Conversation{
		ID:      newUUID(),
		Owner:   in.Owner,
		Binding: domain.Binding{Kind: in.Kind, TargetID: in.TargetID},
	})
	if err != nil {
		return domain.Conversation{}, storeError("conversation_bind_error", err)
	}
	if conv.Owner != in.Owner {
		return domain.Conversation{}, newError(ErrorForbidden, "not_conversation_owner", nil)
	}
	return conv, nil
}

// annotateCode tags a problem question with its code. A follow-up about the
// same source as the previous question refers back to the question that
// first carried that code instead of storing it again; when the caller's
// latest submission is of that source it becomes the relevant submission.
// Must be called with the conversation lock held.
func (s *Service) annotateCode(ctx context.Context, conv domain.Conversation, in AskInput) (*domain.Annotation, error) {
	history, err := s.store.ListReverseChronological(ctx, conv.ID)
	if err != nil {
		return nil, newError(ErrorInternal, "message_list_error", err)
	}

	var start *domain.Message
	if last := lastQuestion(history); last != nil {
		if last.Annotation.HasCode() && last.Annotation.Src == in.Src {
			start = last
		}
		if last.Annotation != nil && last.Annotation.StartSeq > 0 {
			if origin := findSeq(history, last.Annotation.StartSeq); origin != nil && origin.Annotation.HasCode() && origin.Annotation.Src == in.Src {
				start = origin
			}
		}
	}

	ann := &domain.Annotation{Src: in.Src, Lang: in.Lang}
	if start != nil {
		ann = &domain.Annotation{StartSeq: start.Seq}
	}

	sub, err := s.facts.LatestSubmission(ctx, in.Owner, in.TargetID)
	switch {
	case err == nil:
		if sub.Src == in.Src {
			ann.SubmissionID = sub.ID
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, newError(ErrorInternal, "submission_lookup_error", err)
	}
	return ann, nil
}

func lastQuestion(newestFirst []domain.Message) *domain.Message {
	for i := range newestFirst {
		if newestFirst[i].Role == domain.RoleUser {
			return &newestFirst[i]
		}
	}
	return nil
}

func findSeq(msgs []domain.Message, seq int) *domain.Message {
	for i := range msgs {
		if msgs[i].Seq == seq {
			return &msgs[i]
		}
	}
	return nil
}
