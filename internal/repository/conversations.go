package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tutor-assistant/internal/domain"
)

const (
	// DynamoDB caps a transaction at 100 items; one slot goes to META.
	maxInitialMessages = 99
	batchWriteLimit    = 25
	batchWriteAttempts = 5
)

var batchBackoff = 50 * time.Millisecond

func bindPK(b domain.Binding) string {
	return "BIND#" + string(b.Kind) + "#" + b.TargetID
}

func ownerSK(owner string) string {
	return "OWNER#" + owner
}

// CreateConversation writes the META record of conv together with its initial
// messages in one transaction. Initial messages keep their token counts and
// are numbered from 1.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation, initial []domain.NewMessage) (domain.Conversation, error) {
	if conv.ID == "" || conv.Owner == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: id and owner are required")
	}
	if len(initial) > maxInitialMessages {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %d initial messages exceed limit %d", len(initial), maxInitialMessages)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now()
	}
	conv.LastSeq = len(initial)

	items := []types.TransactWriteItem{{Put: c.newMetaPut(conv)}}
	for i, m := range initial {
		msg := domain.Message{
			ConversationID: conv.ID,
			Seq:            i + 1,
			Role:           m.Role,
			Content:        m.Content,
			Tokens:         m.Tokens,
			CreatedAt:      conv.CreatedAt,
			Annotation:     m.Annotation,
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item:      messageItem(msg),
		}})
	}

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads the META record of a conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	item, err := c.getItem(ctx, convPK(conversationID), skMeta)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if item == nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation %q: %w", conversationID, domain.ErrNotFound)
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// FindBinding returns the id of owner's conversation about the bound target.
func (c *Client) FindBinding(ctx context.Context, owner string, binding domain.Binding) (string, error) {
	item, err := c.getItem(ctx, bindPK(binding), ownerSK(owner))
	if err != nil {
		return "", fmt.Errorf("repository: FindBinding: %w", err)
	}
	if item == nil {
		return "", fmt.Errorf("repository: FindBinding %s/%s: %w", binding.Kind, binding.TargetID, domain.ErrNotFound)
	}
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return "", fmt.Errorf("repository: FindBinding decode: %w", err)
	}
	return id, nil
}

// GetOrCreateBinding returns the conversation bound to (conv.Binding, conv.Owner),
// creating conv when no binding exists yet. The binding and META records are
// written together and the binding write is conditional, so two racing
// callers end up sharing the winner's conversation.
func (c *Client) GetOrCreateBinding(ctx context.Context, conv domain.Conversation) (domain.Conversation, bool, error) {
	if conv.Binding.Kind == domain.KindChat || !conv.Binding.Kind.Valid() || conv.Binding.TargetID == "" {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetOrCreateBinding: invalid binding %q/%q", conv.Binding.Kind, conv.Binding.TargetID)
	}

	if id, err := c.FindBinding(ctx, conv.Owner, conv.Binding); err == nil {
		existing, err := c.GetConversation(ctx, id)
		return existing, false, err
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, false, err
	}

	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now()
	}
	conv.LastSeq = 0
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item: map[string]types.AttributeValue{
					"PK":             sAttr(bindPK(conv.Binding)),
					"SK":             sAttr(ownerSK(conv.Owner)),
					"conversationId": sAttr(conv.ID),
				},
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: c.newMetaPut(conv)},
		},
	})
	if err == nil {
		return conv, true, nil
	}
	if !conditionFailed(err) {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetOrCreateBinding: %w", err)
	}

	id, err := c.FindBinding(ctx, conv.Owner, conv.Binding)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	existing, err := c.GetConversation(ctx, id)
	return existing, false, err
}

// DeleteConversation removes the conversation, all of its messages and its
// binding. Items are deleted in batches; unprocessed items are retried.
func (c *Client) DeleteConversation(ctx context.Context, conv domain.Conversation) error {
	items, err := c.queryAll(ctx, convPK(conv.ID), "", true)
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation query: %w", err)
	}

	keys := make([]map[string]types.AttributeValue, 0, len(items)+1)
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
	}
	if conv.Binding.Kind.Valid() && conv.Binding.Kind != domain.KindChat && conv.Binding.TargetID != "" {
		keys = append(keys, key(bindPK(conv.Binding), ownerSK(conv.Owner)))
	}

	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		if err := c.batchDelete(ctx, keys[start:end]); err != nil {
			return fmt.Errorf("repository: DeleteConversation: %w", err)
		}
	}
	return nil
}

func (c *Client) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	reqs := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
	}

	for attempt := 0; attempt < batchWriteAttempts; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: reqs},
		})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		reqs = out.UnprocessedItems[c.tableName]

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(batchBackoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("%d items left unprocessed", len(reqs))
}

// GetTemplate loads a conversation template.
func (c *Client) GetTemplate(ctx context.Context, templateID string) (domain.Template, error) {
	item, err := c.getItem(ctx, "TEMPLATE#"+templateID, skMeta)
	if err != nil {
		return domain.Template{}, fmt.Errorf("repository: GetTemplate: %w", err)
	}
	if item == nil {
		return domain.Template{}, fmt.Errorf("repository: GetTemplate %q: %w", templateID, domain.ErrNotFound)
	}
	tpl := domain.Template{
		ID:                    templateID,
		Title:                 optStr(item, "title"),
		SystemMessage:         optStr(item, "systemMessage"),
		InitialConversationID: optStr(item, "initialConversationId"),
	}
	if list, ok := item["starters"].(*types.AttributeValueMemberL); ok {
		for _, v := range list.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				tpl.Starters = append(tpl.Starters, s.Value)
			}
		}
	}
	return tpl, nil
}

func (c *Client) newMetaPut(conv domain.Conversation) *types.Put {
	return &types.Put{
		TableName:           aws.String(c.tableName),
		Item:                metaItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}
}

func metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	kind := conv.Binding.Kind
	if kind == "" {
		kind = domain.KindChat
	}
	item := map[string]types.AttributeValue{
		"PK":        sAttr(convPK(conv.ID)),
		"SK":        sAttr(skMeta),
		"owner":     sAttr(conv.Owner),
		"kind":      sAttr(string(kind)),
		"lastSeq":   nAttr(conv.LastSeq),
		"createdAt": sAttr(conv.CreatedAt.Format(time.RFC3339Nano)),
	}
	putOptional(item, "targetId", conv.Binding.TargetID)
	putOptional(item, "templateId", conv.TemplateID)
	putOptional(item, "systemPrompt", conv.SystemPrompt)
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Conversation{}, err
	}
	owner, err := strAttr(item, "owner")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastSeq, err := intAttr(item, "lastSeq")
	if err != nil {
		return domain.Conversation{}, err
	}
	kind := domain.BindingKind(optStr(item, "kind"))
	if kind == "" {
		kind = domain.KindChat
	}
	return domain.Conversation{
		ID:           strings.TrimPrefix(pk, "CONV#"),
		Owner:        owner,
		Binding:      domain.Binding{Kind: kind, TargetID: optStr(item, "targetId")},
		TemplateID:   optStr(item, "templateId"),
		SystemPrompt: optStr(item, "systemPrompt"),
		LastSeq:      lastSeq,
		CreatedAt:    timeAttr(item, "createdAt"),
	}, nil
}
