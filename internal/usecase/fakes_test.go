package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tutor-assistant/internal/domain"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameters(_ context.Context, names []string, _ ...string) (map[string]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, ok := m.vals[n]
		if !ok {
			return nil, fmt.Errorf("param not found: %s", n)
		}
		out[n] = v
	}
	return out, nil
}

type transientParams struct {
	*mockParams
	failOnce bool
}

func (p *transientParams) GetParameters(ctx context.Context, names []string, optional ...string) (map[string]string, error) {
	if p.failOnce {
		p.failOnce = false
		return nil, errors.New("temporary ssm failure")
	}
	return p.mockParams.GetParameters(ctx, names, optional...)
}

func defaultParams() *mockParams {
	return &mockParams{
		vals: map[string]string{
			"/prefix/prompts/chat_system":    "You are a patient tutor.",
			"/prefix/prompts/problem_answer": "Help with the exercise without giving the solution.",
			"/prefix/prompts/pdf_answer":     "Explain the reading.",
			"/prefix/config/openai_model":    "gpt-4o-mini",
		},
	}
}

// wordCounter prices text by whitespace separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

type mockLLM struct {
	flagged   bool
	modErr    error
	streamErr error
	// streams are handed out in order; the last one repeats.
	streams  []*fakeStream
	prompts  [][]domain.ChatMessage
	models   []string
	modCalls int
}

func (m *mockLLM) Stream(_ context.Context, model string, msgs []domain.ChatMessage) (domain.ChatStream, error) {
	m.prompts = append(m.prompts, msgs)
	m.models = append(m.models, model)
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	if len(m.streams) == 0 {
		return nil, errors.New("no stream configured")
	}
	s := m.streams[0]
	if len(m.streams) > 1 {
		m.streams = m.streams[1:]
	}
	return s, nil
}

func (m *mockLLM) Moderate(_ context.Context, _ string) (bool, error) {
	m.modCalls++
	return m.flagged, m.modErr
}

func answering(parts ...string) *mockLLM {
	return &mockLLM{streams: []*fakeStream{{chunks: append(deltas(parts...), usageChunk(len(parts)))}}}
}

// memStore is an in-memory MessageStore.
type memStore struct {
	mu        sync.Mutex
	convs     map[string]domain.Conversation
	msgs      map[string][]domain.Message
	bindings  map[string]string
	templates map[string]domain.Template

	appendErr   error
	appendCalls int
	listErr     error
	backfilled  map[int]int
	deleted     []string
}

func newMemStore() *memStore {
	return &memStore{
		convs:      map[string]domain.Conversation{},
		msgs:       map[string][]domain.Message{},
		bindings:   map[string]string{},
		templates:  map[string]domain.Template{},
		backfilled: map[int]int{},
	}
}

func bindingKey(owner string, b domain.Binding) string {
	return string(b.Kind) + "/" + b.TargetID + "/" + owner
}

func (m *memStore) addConversation(conv domain.Conversation, msgs ...domain.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.Binding.Kind == "" {
		conv.Binding.Kind = domain.KindChat
	}
	for i := range msgs {
		msgs[i].ConversationID = conv.ID
		msgs[i].Seq = i + 1
	}
	conv.LastSeq = len(msgs)
	m.convs[conv.ID] = conv
	m.msgs[conv.ID] = msgs
	if conv.Binding.Kind != domain.KindChat {
		m.bindings[bindingKey(conv.Owner, conv.Binding)] = conv.ID
	}
}

func (m *memStore) messages(id string) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.msgs[id]...)
}

func (m *memStore) Append(_ context.Context, id string, msg domain.NewMessage) (domain.Message, error) {
	return m.appendMessage(id, -1, msg)
}

func (m *memStore) AppendAfter(_ context.Context, id string, afterSeq int, msg domain.NewMessage) (domain.Message, error) {
	return m.appendMessage(id, afterSeq, msg)
}

func (m *memStore) appendMessage(id string, afterSeq int, msg domain.NewMessage) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendErr != nil {
		return domain.Message{}, m.appendErr
	}
	conv, ok := m.convs[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	if afterSeq >= 0 && conv.LastSeq != afterSeq {
		return domain.Message{}, domain.ErrSuperseded
	}
	conv.LastSeq++
	m.convs[id] = conv
	stored := domain.Message{
		ConversationID: id,
		Seq:            conv.LastSeq,
		Role:           msg.Role,
		Content:        msg.Content,
		Tokens:         msg.Tokens,
		Annotation:     msg.Annotation,
	}
	m.msgs[id] = append(m.msgs[id], stored)
	return stored, nil
}

func (m *memStore) ListChronological(_ context.Context, id string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]domain.Message(nil), m.msgs[id]...), nil
}

func (m *memStore) ListReverseChronological(ctx context.Context, id string) ([]domain.Message, error) {
	msgs, err := m.ListChronological(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq > msgs[j].Seq })
	return msgs, nil
}

func (m *memStore) BackfillTokens(_ context.Context, id string, seq, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backfilled[seq] = tokens
	for i := range m.msgs[id] {
		if m.msgs[id][i].Seq == seq && m.msgs[id][i].Tokens == 0 {
			m.msgs[id][i].Tokens = tokens
		}
	}
	return nil
}

func (m *memStore) CreateConversation(_ context.Context, conv domain.Conversation, initial []domain.NewMessage) (domain.Conversation, error) {
	msgs := make([]domain.Message, 0, len(initial))
	for _, n := range initial {
		msgs = append(msgs, domain.Message{Role: n.Role, Content: n.Content, Tokens: n.Tokens, Annotation: n.Annotation})
	}
	m.addConversation(conv, msgs...)
	conv.LastSeq = len(msgs)
	return conv, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("get %q: %w", id, domain.ErrNotFound)
	}
	return conv, nil
}

func (m *memStore) FindBinding(_ context.Context, owner string, b domain.Binding) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bindings[bindingKey(owner, b)]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (m *memStore) GetOrCreateBinding(ctx context.Context, conv domain.Conversation) (domain.Conversation, bool, error) {
	if id, err := m.FindBinding(ctx, conv.Owner, conv.Binding); err == nil {
		existing, err := m.GetConversation(ctx, id)
		return existing, false, err
	}
	m.addConversation(conv)
	return conv, true, nil
}

func (m *memStore) DeleteConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, conv.ID)
	delete(m.msgs, conv.ID)
	delete(m.bindings, bindingKey(conv.Owner, conv.Binding))
	m.deleted = append(m.deleted, conv.ID)
	return nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (domain.Template, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return domain.Template{}, domain.ErrNotFound
	}
	return tpl, nil
}

type memFacts struct {
	problems    map[string]domain.Problem
	submissions []domain.Submission
	results     map[string][]domain.TestCaseResult
	pdfs        map[string]domain.PDF
	sections    map[string]domain.Section
	pages       map[string]domain.Page
	err         error
}

func newMemFacts() *memFacts {
	return &memFacts{
		problems: map[string]domain.Problem{},
		results:  map[string][]domain.TestCaseResult{},
		pdfs:     map[string]domain.PDF{},
		sections: map[string]domain.Section{},
		pages:    map[string]domain.Page{},
	}
}

func (f *memFacts) GetProblem(_ context.Context, id string) (domain.Problem, error) {
	if f.err != nil {
		return domain.Problem{}, f.err
	}
	p, ok := f.problems[id]
	if !ok {
		return domain.Problem{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *memFacts) LatestSubmission(_ context.Context, owner, problemID string) (domain.Submission, error) {
	for i := len(f.submissions) - 1; i >= 0; i-- {
		s := f.submissions[i]
		if s.Owner == owner && s.ProblemID == problemID {
			return s, nil
		}
	}
	return domain.Submission{}, domain.ErrNotFound
}

func (f *memFacts) GetSubmission(_ context.Context, id string) (domain.Submission, error) {
	for _, s := range f.submissions {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.Submission{}, domain.ErrNotFound
}

func (f *memFacts) ListTestCaseResults(_ context.Context, id string) ([]domain.TestCaseResult, error) {
	return f.results[id], nil
}

func (f *memFacts) GetPDF(_ context.Context, id string) (domain.PDF, error) {
	p, ok := f.pdfs[id]
	if !ok {
		return domain.PDF{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *memFacts) GetSection(_ context.Context, _, id string) (domain.Section, error) {
	s, ok := f.sections[id]
	if !ok {
		return domain.Section{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *memFacts) GetPage(_ context.Context, _, id string) (domain.Page, error) {
	p, ok := f.pages[id]
	if !ok {
		return domain.Page{}, domain.ErrNotFound
	}
	return p, nil
}

func newTestService(t *testing.T, p ParamGetter, llm LLMClient, store MessageStore, facts FactReader) *Service {
	t.Helper()
	svc, err := NewService(p, llm, store, facts, wordCounter{}, Config{
		ParamPrefix:          "/prefix",
		ContextWindow:        400,
		ReservedAnswerTokens: 100,
		MaxQuestionTokens:    20,
	})
	require.NoError(t, err)
	return svc
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	requireCode(t, err, code, reason)
}
