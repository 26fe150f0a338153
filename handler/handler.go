package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"tutor-assistant/internal/domain"
	"tutor-assistant/internal/usecase"
)

const (
	headerCorrelationID  = "X-Correlation-Id"
	headerConversationID = "X-Conversation-Id"
	// Set by the authorizer in front of the function URL.
	headerUserID = "x-user-id"

	// unsavedNotice ends an answer body that was shown in full but could not
	// be stored. Clients should re-read the conversation before asking again.
	unsavedNotice = "\n\n[answer-not-saved]\n"
)

// PendingAnswer is a prepared answer ready to stream.
type PendingAnswer interface {
	ConversationID() string
	Stream(ctx context.Context, w io.Writer) (domain.Message, error)
}

type UseCase interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	PrepareAnswer(ctx context.Context, t usecase.Target) (PendingAnswer, error)
	ListMessages(ctx context.Context, in usecase.ListInput) ([]domain.Message, error)
	StartConversation(ctx context.Context, owner, templateID string) (usecase.StartOutput, error)
	DeleteConversation(ctx context.Context, t usecase.Target) error
}

// ForService adapts a usecase.Service to UseCase.
func ForService(svc *usecase.Service) UseCase {
	return serviceUseCase{svc}
}

type serviceUseCase struct {
	*usecase.Service
}

func (s serviceUseCase) PrepareAnswer(ctx context.Context, t usecase.Target) (PendingAnswer, error) {
	p, err := s.Service.PrepareAnswer(ctx, t)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type Handler struct {
	uc UseCase
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

type askRequest struct {
	Content   string `json:"content"`
	Src       string `json:"src,omitempty"`
	Lang      string `json:"lang,omitempty"`
	SectionID string `json:"section_id,omitempty"`
	PageID    string `json:"page_id,omitempty"`
}

type startRequest struct {
	TemplateID string `json:"template_id,omitempty"`
}

type messageView struct {
	Seq          int       `json:"seq"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Tokens       int       `json:"tokens"`
	CreatedAt    time.Time `json:"created_at"`
	Src          string    `json:"src,omitempty"`
	Lang         string    `json:"lang,omitempty"`
	SubmissionID string    `json:"submission_id,omitempty"`
	StartSeq     int       `json:"start_seq,omitempty"`
	SectionID    string    `json:"section_id,omitempty"`
	PageID       string    `json:"page_id,omitempty"`
}

type askResponse struct {
	ConversationID string      `json:"conversation_id"`
	Message        messageView `json:"message"`
}

type listResponse struct {
	Messages []messageView `json:"messages"`
}

type startResponse struct {
	ConversationID string   `json:"conversation_id"`
	Starters       []string `json:"starters"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// route is a parsed request path: /{collection}[/{id}[/{action}]].
type route struct {
	kind   domain.BindingKind
	id     string
	action string
}

var collections = map[string]domain.BindingKind{
	"conversations": domain.KindChat,
	"problems":      domain.KindProblem,
	"pdfs":          domain.KindPDF,
}

func parseRoute(path string) (route, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	kind, ok := collections[parts[0]]
	if !ok || len(parts) > 3 {
		return route{}, false
	}
	r := route{kind: kind}
	if len(parts) > 1 {
		r.id = parts[1]
		if r.id == "" {
			return route{}, false
		}
	}
	if len(parts) > 2 {
		r.action = parts[2]
	}
	return r, true
}

// Handle serves a Lambda function URL invocation in response streaming mode.
// Answers are streamed as plain text; every other route returns JSON.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	correlationID := header(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID)

	method := req.RequestContext.HTTP.Method
	path := req.RawPath
	if path == "" {
		path = req.RequestContext.HTTP.Path
	}
	r, ok := parseRoute(path)
	if !ok {
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"}), nil
	}
	owner := header(req.Headers, headerUserID)
	target := usecase.Target{Owner: owner, Kind: r.kind}
	if r.kind == domain.KindChat {
		target.ConversationID = r.id
	} else {
		target.TargetID = r.id
	}

	switch {
	case r.kind == domain.KindChat && r.id == "" && method == http.MethodPost:
		return h.start(ctx, logger, correlationID, owner, req)
	case r.kind == domain.KindChat && r.id != "" && r.action == "" && method == http.MethodDelete:
		if err := h.uc.DeleteConversation(ctx, target); err != nil {
			return errorResult(logger, correlationID, err), nil
		}
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusNoContent,
			Headers:    map[string]string{headerCorrelationID: correlationID},
			Body:       strings.NewReader(""),
		}, nil
	case r.id != "" && r.action == "ask" && method == http.MethodPost:
		return h.ask(ctx, logger, correlationID, target, req)
	case r.id != "" && r.action == "answer" && method == http.MethodGet:
		return h.answer(ctx, logger, correlationID, target)
	case r.id != "" && r.action == "messages" && method == http.MethodGet:
		in := usecase.ListInput{Target: target}
		if r.kind == domain.KindPDF {
			in.SectionID = req.QueryStringParameters["section_id"]
			in.PageID = req.QueryStringParameters["page_id"]
		}
		msgs, err := h.uc.ListMessages(ctx, in)
		if err != nil {
			return errorResult(logger, correlationID, err), nil
		}
		out := listResponse{Messages: make([]messageView, 0, len(msgs))}
		for _, m := range msgs {
			out.Messages = append(out.Messages, toView(m))
		}
		return jsonResponse(http.StatusOK, correlationID, out), nil
	}
	return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
}

func (h *Handler) start(ctx context.Context, logger *slog.Logger, correlationID, owner string, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	var in startRequest
	if body, err := requestBody(req); err != nil || (len(body) > 0 && json.Unmarshal(body, &in) != nil) {
		return invalidBody(correlationID), nil
	}
	out, err := h.uc.StartConversation(ctx, owner, in.TemplateID)
	if err != nil {
		return errorResult(logger, correlationID, err), nil
	}
	starters := out.Starters
	if starters == nil {
		starters = []string{}
	}
	return jsonResponse(http.StatusCreated, correlationID, startResponse{
		ConversationID: out.Conversation.ID,
		Starters:       starters,
	}), nil
}

func (h *Handler) ask(ctx context.Context, logger *slog.Logger, correlationID string, target usecase.Target, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	body, err := requestBody(req)
	if err != nil {
		return invalidBody(correlationID), nil
	}
	var in askRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return invalidBody(correlationID), nil
	}
	out, err := h.uc.Ask(ctx, usecase.AskInput{
		Target:    target,
		Content:   in.Content,
		Src:       in.Src,
		Lang:      in.Lang,
		SectionID: in.SectionID,
		PageID:    in.PageID,
	})
	if err != nil {
		return errorResult(logger, correlationID, err), nil
	}
	return jsonResponse(http.StatusCreated, correlationID, askResponse{
		ConversationID: out.ConversationID,
		Message:        toView(out.Message),
	}), nil
}

// answer prepares synchronously so failures still get a proper status, then
// streams the model output through a pipe read by the Lambda runtime. A
// failed stream aborts the body. A failed save after a complete answer keeps
// the body and appends unsavedNotice, since the status line is already sent.
func (h *Handler) answer(ctx context.Context, logger *slog.Logger, correlationID string, target usecase.Target) (*events.LambdaFunctionURLStreamingResponse, error) {
	pending, err := h.uc.PrepareAnswer(ctx, target)
	if err != nil {
		return errorResult(logger, correlationID, err), nil
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := pending.Stream(ctx, pw)
		if err == nil {
			pw.Close()
			return
		}
		if code, _ := usecase.CodeOf(err); code == usecase.ErrorPersistence {
			logger.Warn("answer delivered but not stored", "conversation_id", pending.ConversationID(), "err", err)
			if _, werr := io.WriteString(pw, unsavedNotice); werr != nil {
				logger.Warn("unsaved notice not delivered", "err", werr)
			}
			pw.Close()
			return
		}
		logger.Error("answer stream failed", "conversation_id", pending.ConversationID(), "err", err)
		pw.CloseWithError(err)
	}()

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":       "text/plain; charset=utf-8",
			headerCorrelationID:  correlationID,
			headerConversationID: pending.ConversationID(),
		},
		Body: pr,
	}, nil
}

func requestBody(req events.LambdaFunctionURLRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func toView(m domain.Message) messageView {
	v := messageView{
		Seq:       m.Seq,
		Role:      string(m.Role),
		Content:   m.Content,
		Tokens:    m.Tokens,
		CreatedAt: m.CreatedAt,
	}
	if a := m.Annotation; a != nil {
		v.Src = a.Src
		v.Lang = a.Lang
		v.SubmissionID = a.SubmissionID
		v.StartSeq = a.StartSeq
		v.SectionID = a.SectionID
		v.PageID = a.PageID
	}
	return v
}

// header looks up name case-insensitively; function URLs lowercase header
// names but local tooling may not.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func invalidBody(correlationID string) *events.LambdaFunctionURLStreamingResponse {
	return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
		Error:  string(usecase.ErrorInvalidInput),
		Reason: "invalid_body",
	})
}

func errorResult(logger *slog.Logger, correlationID string, err error) *events.LambdaFunctionURLStreamingResponse {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: string(usecase.ErrorInternal)}

	var ue *usecase.Error
	if errors.As(err, &ue) {
		resp = errorResponse{Error: string(ue.Code), Reason: ue.Reason}
		status = statusFor(ue.Code)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
	} else {
		logger.Info("request rejected", "status", status, "code", resp.Error, "reason", resp.Reason)
	}
	return jsonResponse(status, correlationID, resp)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorBudgetExhausted:
		return http.StatusUnprocessableEntity
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func jsonResponse(status int, correlationID string, v any) *events.LambdaFunctionURLStreamingResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: strings.NewReader(string(body)),
	}
}
