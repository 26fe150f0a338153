package domain

import "time"

// BindingKind names the content domain a conversation belongs to.
type BindingKind string

const (
	KindChat    BindingKind = "chat"
	KindProblem BindingKind = "problem"
	KindPDF     BindingKind = "pdf"
)

// Valid reports whether k is one of the known domains.
func (k BindingKind) Valid() bool {
	switch k {
	case KindChat, KindProblem, KindPDF:
		return true
	}
	return false
}

// Binding links a conversation to at most one problem or one PDF.
type Binding struct {
	Kind     BindingKind
	TargetID string
}

// Conversation is the aggregate record of one conversation.
type Conversation struct {
	ID           string
	Owner        string
	Binding      Binding
	TemplateID   string
	SystemPrompt string // template override; empty means the configured default
	LastSeq      int
	CreatedAt    time.Time
}

// Annotation tags a user question with domain context. A code annotation
// either carries Src/Lang itself or points at an earlier question that does
// through StartSeq; it never points at another back-reference.
type Annotation struct {
	Src          string
	Lang         string
	SubmissionID string
	StartSeq     int

	PageID    string
	SectionID string
}

// HasCode reports whether the annotation carries source code directly.
func (a *Annotation) HasCode() bool {
	return a != nil && a.Src != "" && a.Lang != ""
}

// Message is a single persisted conversation turn.
type Message struct {
	ConversationID string
	Seq            int
	Role           Role
	Content        string
	Tokens         int
	CreatedAt      time.Time
	Annotation     *Annotation
}

// NewMessage is the input to an append; Seq and CreatedAt are assigned by the store.
type NewMessage struct {
	Role       Role
	Content    string
	Tokens     int
	Annotation *Annotation
}

// Template seeds new chat conversations.
type Template struct {
	ID                    string
	Title                 string
	SystemMessage         string
	Starters              []string
	InitialConversationID string
}
