package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tutor-assistant/internal/domain"
)

const (
	defaultContextWindow     = 8192
	defaultReservedAnswer    = 1024
	defaultMaxQuestionTokens = 1024
)

type ParamGetter interface {
	GetParameters(ctx context.Context, names []string, optional ...string) (map[string]string, error)
}

type LLMClient interface {
	Stream(ctx context.Context, model string, messages []domain.ChatMessage) (domain.ChatStream, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type MessageStore interface {
	Append(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error)
	AppendAfter(ctx context.Context, conversationID string, afterSeq int, msg domain.NewMessage) (domain.Message, error)
	ListChronological(ctx context.Context, conversationID string) ([]domain.Message, error)
	ListReverseChronological(ctx context.Context, conversationID string) ([]domain.Message, error)
	BackfillTokens(ctx context.Context, conversationID string, seq, tokens int) error

	CreateConversation(ctx context.Context, conv domain.Conversation, initial []domain.NewMessage) (domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	FindBinding(ctx context.Context, owner string, binding domain.Binding) (string, error)
	GetOrCreateBinding(ctx context.Context, conv domain.Conversation) (domain.Conversation, bool, error)
	DeleteConversation(ctx context.Context, conv domain.Conversation) error
	GetTemplate(ctx context.Context, templateID string) (domain.Template, error)
}

type FactReader interface {
	GetProblem(ctx context.Context, problemID string) (domain.Problem, error)
	LatestSubmission(ctx context.Context, owner, problemID string) (domain.Submission, error)
	GetSubmission(ctx context.Context, submissionID string) (domain.Submission, error)
	ListTestCaseResults(ctx context.Context, submissionID string) ([]domain.TestCaseResult, error)
	GetPDF(ctx context.Context, pdfID string) (domain.PDF, error)
	GetSection(ctx context.Context, pdfID, sectionID string) (domain.Section, error)
	GetPage(ctx context.Context, pdfID, pageID string) (domain.Page, error)
}

// Config sizes prompts and questions. Zero values fall back to defaults.
type Config struct {
	ParamPrefix          string
	ContextWindow        int
	ReservedAnswerTokens int
	MaxQuestionTokens    int
}

// Service answers questions about chats, problems and PDFs.
type Service struct {
	params  ParamGetter
	llm     LLMClient
	store   MessageStore
	facts   FactReader
	counter TokenCounter
	cfg     Config
	locks   conversationLocks

	cacheMu       sync.RWMutex
	cacheLoaded   bool
	model         string
	chatSystem    SystemBlock
	problemSystem SystemBlock
	pdfSystem     SystemBlock
}

func NewService(p ParamGetter, llm LLMClient, store MessageStore, facts FactReader, counter TokenCounter, cfg Config) (*Service, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if facts == nil {
		return nil, errors.New("usecase: fact reader must not be nil")
	}
	if counter == nil {
		return nil, errors.New("usecase: token counter must not be nil")
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaultContextWindow
	}
	if cfg.ReservedAnswerTokens <= 0 {
		cfg.ReservedAnswerTokens = defaultReservedAnswer
	}
	if cfg.MaxQuestionTokens <= 0 {
		cfg.MaxQuestionTokens = defaultMaxQuestionTokens
	}
	return &Service{
		params:  p,
		llm:     llm,
		store:   store,
		facts:   facts,
		counter: counter,
		cfg:     cfg,
	}, nil
}

// ensureConfig loads prompts and the model name from the parameter store
// once. A failed load is retried on the next request.
func (s *Service) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	names := map[string]string{
		"chat":    s.cfg.ParamPrefix + "/prompts/chat_system",
		"problem": s.cfg.ParamPrefix + "/prompts/problem_answer",
		"pdf":     s.cfg.ParamPrefix + "/prompts/pdf_answer",
		"model":   s.cfg.ParamPrefix + "/config/openai_model",
	}
	vals, err := s.params.GetParameters(ctx, []string{names["chat"], names["problem"], names["pdf"], names["model"]})
	if err != nil {
		return fmt.Errorf("usecase: load parameters: %w", err)
	}
	model := strings.TrimSpace(vals[names["model"]])
	if model == "" {
		return errors.New("usecase: openai model parameter is empty")
	}

	s.model = model
	s.chatSystem = NewSystemBlock(s.counter, vals[names["chat"]])
	s.problemSystem = NewSystemBlock(s.counter, vals[names["problem"]])
	s.pdfSystem = NewSystemBlock(s.counter, vals[names["pdf"]])
	s.cacheLoaded = true
	return nil
}

func (s *Service) config() (model string, chat, problem, pdf SystemBlock) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.model, s.chatSystem, s.problemSystem, s.pdfSystem
}

// Target names the conversation a request is about: a chat conversation by
// id, or the caller's conversation bound to a problem or PDF.
type Target struct {
	Owner          string
	Kind           domain.BindingKind
	ConversationID string
	TargetID       string
}

func (t Target) validate() error {
	if strings.TrimSpace(t.Owner) == "" {
		return newError(ErrorInvalidInput, "missing_owner", nil)
	}
	switch t.Kind {
	case domain.KindChat:
		if t.ConversationID == "" {
			return newError(ErrorInvalidInput, "missing_conversation_id", nil)
		}
	case domain.KindProblem, domain.KindPDF:
		if t.TargetID == "" {
			return newError(ErrorInvalidInput, "missing_target_id", nil)
		}
	default:
		return newError(ErrorInvalidInput, "unknown_kind", nil)
	}
	return nil
}

// lookup resolves an existing conversation for t and checks ownership.
func (s *Service) lookup(ctx context.Context, t Target) (domain.Conversation, error) {
	id := t.ConversationID
	if t.Kind != domain.KindChat {
		found, err := s.store.FindBinding(ctx, t.Owner, domain.Binding{Kind: t.Kind, TargetID: t.TargetID})
		if err != nil {
			return domain.Conversation{}, storeError("conversation_lookup_error", err)
		}
		id = found
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, storeError("conversation_lookup_error", err)
	}
	if conv.Owner != t.Owner {
		return domain.Conversation{}, newError(ErrorForbidden, "not_conversation_owner", nil)
	}
	if conv.Binding.Kind != t.Kind {
		return domain.Conversation{}, newError(ErrorInvalidInput, "conversation_kind_mismatch", nil)
	}
	return conv, nil
}

// StartOutput describes a freshly created chat conversation.
type StartOutput struct {
	Conversation domain.Conversation
	Starters     []string
}

// StartConversation creates a chat conversation, optionally seeded from a
// template: its system message replaces the configured prompt and the
// messages of its initial conversation are copied with their token counts.
func (s *Service) StartConversation(ctx context.Context, owner, templateID string) (StartOutput, error) {
	if strings.TrimSpace(owner) == "" {
		return StartOutput{}, newError(ErrorInvalidInput, "missing_owner", nil)
	}
	conv := domain.Conversation{
		ID:      newUUID(),
		Owner:   owner,
		Binding: domain.Binding{Kind: domain.KindChat},
	}

	var (
		initial  []domain.NewMessage
		starters []string
	)
	if templateID = strings.TrimSpace(templateID); templateID != "" {
		tpl, err := s.store.GetTemplate(ctx, templateID)
		if err != nil {
			return StartOutput{}, storeError("template_lookup_error", err)
		}
		conv.TemplateID = tpl.ID
		conv.SystemPrompt = tpl.SystemMessage
		starters = tpl.Starters
		if tpl.InitialConversationID != "" {
			seed, err := s.store.ListChronological(ctx, tpl.InitialConversationID)
			if err != nil {
				return StartOutput{}, newError(ErrorInternal, "template_seed_error", err)
			}
			for _, m := range seed {
				initial = append(initial, domain.NewMessage{
					Role:       m.Role,
					Content:    m.Content,
					Tokens:     m.Tokens,
					Annotation: m.Annotation,
				})
			}
		}
	}

	created, err := s.store.CreateConversation(ctx, conv, initial)
	if err != nil {
		return StartOutput{}, newError(ErrorInternal, "conversation_create_error", err)
	}
	return StartOutput{Conversation: created, Starters: starters}, nil
}

// DeleteConversation removes a conversation with all of its messages.
func (s *Service) DeleteConversation(ctx context.Context, t Target) error {
	if err := t.validate(); err != nil {
		return err
	}
	conv, err := s.lookup(ctx, t)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(conv.ID)
	defer unlock()
	if err := s.store.DeleteConversation(ctx, conv); err != nil {
		return newError(ErrorInternal, "conversation_delete_error", err)
	}
	return nil
}

// ListInput selects the messages to list. SectionID and PageID filter PDF
// conversations.
type ListInput struct {
	Target
	SectionID string
	PageID    string
}

// ListMessages returns the messages of a conversation in creation order. A
// problem or PDF the caller never asked about has no messages.
func (s *Service) ListMessages(ctx context.Context, in ListInput) ([]domain.Message, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	conv, err := s.lookup(ctx, in.Target)
	if err != nil {
		var ue *Error
		if in.Kind != domain.KindChat && errors.As(err, &ue) && ue.Code == ErrorNotFound {
			return []domain.Message{}, nil
		}
		return nil, err
	}

	msgs, err := s.store.ListChronological(ctx, conv.ID)
	if err != nil {
		return nil, newError(ErrorInternal, "message_list_error", err)
	}
	if in.Kind != domain.KindPDF || (in.SectionID == "" && in.PageID == "") {
		return msgs, nil
	}

	filtered := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		a := m.Annotation
		if a == nil {
			continue
		}
		if in.SectionID != "" && a.SectionID != in.SectionID {
			continue
		}
		if in.PageID != "" && a.PageID != in.PageID {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
