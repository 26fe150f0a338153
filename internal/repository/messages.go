package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tutor-assistant/internal/domain"
)

// ErrSequenceContention is returned when Append keeps losing the race for the
// next sequence number.
var ErrSequenceContention = errors.New("repository: sequence contention")

// anySeq disables the expected-sequence check of appendMessage.
const anySeq = -1

// Append assigns the next sequence number of the conversation to msg and
// writes it. The META counter update and the message put share one
// transaction conditioned on the counter value that was read, so concurrent
// writers from any process serialize and order stays monotonic.
func (c *Client) Append(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error) {
	return c.appendMessage(ctx, conversationID, anySeq, msg)
}

// AppendAfter writes msg only while afterSeq is still the newest sequence
// number of the conversation and fails with domain.ErrSuperseded otherwise.
// An answer uses it so that it lands directly after the question it answers
// or not at all.
func (c *Client) AppendAfter(ctx context.Context, conversationID string, afterSeq int, msg domain.NewMessage) (domain.Message, error) {
	if afterSeq < 0 {
		return domain.Message{}, errors.New("repository: Append: expected sequence must not be negative")
	}
	return c.appendMessage(ctx, conversationID, afterSeq, msg)
}

func (c *Client) appendMessage(ctx context.Context, conversationID string, afterSeq int, msg domain.NewMessage) (domain.Message, error) {
	if conversationID == "" {
		return domain.Message{}, errors.New("repository: Append: conversation id is required")
	}
	if !msg.Role.Valid() {
		return domain.Message{}, fmt.Errorf("repository: Append: invalid role %q", msg.Role)
	}
	if msg.Tokens < 0 {
		return domain.Message{}, errors.New("repository: Append: tokens must not be negative")
	}

	for attempt := 0; attempt < c.appendAttempts; attempt++ {
		meta, err := c.getItem(ctx, convPK(conversationID), skMeta)
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: Append read meta: %w", err)
		}
		if meta == nil {
			return domain.Message{}, fmt.Errorf("repository: Append conversation %q: %w", conversationID, domain.ErrNotFound)
		}
		last, err := intAttr(meta, "lastSeq")
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: Append decode lastSeq: %w", err)
		}
		if afterSeq != anySeq && last != afterSeq {
			return domain.Message{}, fmt.Errorf("repository: Append conversation %q at seq %d: %w", conversationID, last, domain.ErrSuperseded)
		}

		stored := domain.Message{
			ConversationID: conversationID,
			Seq:            last + 1,
			Role:           msg.Role,
			Content:        msg.Content,
			Tokens:         msg.Tokens,
			CreatedAt:      now(),
			Annotation:     msg.Annotation,
		}

		_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Update: c.advanceSeq(conversationID, last, stored.Seq, stored.CreatedAt)},
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                messageItem(stored),
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
			},
		})
		if err == nil {
			return stored, nil
		}
		if !conditionFailed(err) {
			return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
		}
	}
	return domain.Message{}, fmt.Errorf("repository: Append conversation %q: %w", conversationID, ErrSequenceContention)
}

func (c *Client) advanceSeq(conversationID string, last, next int, at time.Time) *types.Update {
	return &types.Update{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET lastSeq = :next, lastActivity = :at"),
		ConditionExpression: aws.String("lastSeq = :last"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next": nAttr(next),
			":last": nAttr(last),
			":at":   sAttr(at.Format(time.RFC3339Nano)),
		},
	}
}

// ListChronological returns every message of a conversation, oldest first.
func (c *Client) ListChronological(ctx context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := c.listMessages(ctx, conversationID, true)
	if err != nil {
		return nil, fmt.Errorf("repository: ListChronological: %w", err)
	}
	return msgs, nil
}

// ListReverseChronological returns every message of a conversation, newest first.
func (c *Client) ListReverseChronological(ctx context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := c.listMessages(ctx, conversationID, false)
	if err != nil {
		return nil, fmt.Errorf("repository: ListReverseChronological: %w", err)
	}
	return msgs, nil
}

func (c *Client) listMessages(ctx context.Context, conversationID string, forward bool) ([]domain.Message, error) {
	items, err := c.queryAll(ctx, convPK(conversationID), skPrefixMsg, forward)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// BackfillTokens sets the token count of a message stored without one. The
// write only succeeds while the stored count is still zero, so a count is
// never overwritten once set.
func (c *Client) BackfillTokens(ctx context.Context, conversationID string, seq, tokens int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), msgSK(seq)),
		UpdateExpression:    aws.String("SET tokens = :tokens"),
		ConditionExpression: aws.String("attribute_exists(PK) AND tokens = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tokens": nAttr(tokens),
			":zero":   nAttr(0),
		},
	})
	if err != nil {
		if conditionFailed(err) {
			// Already counted by a concurrent reader.
			return nil
		}
		return fmt.Errorf("repository: BackfillTokens: %w", err)
	}
	return nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	tokens, err := optInt(item, "tokens")
	if err != nil {
		return domain.Message{}, err
	}
	startSeq, err := optInt(item, "startSeq")
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ConversationID: conversationID,
		Seq:            seq,
		Role:           domain.Role(role),
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      timeAttr(item, "createdAt"),
	}
	ann := domain.Annotation{
		Src:          optStr(item, "src"),
		Lang:         optStr(item, "lang"),
		SubmissionID: optStr(item, "submissionId"),
		StartSeq:     startSeq,
		PageID:       optStr(item, "pageId"),
		SectionID:    optStr(item, "sectionId"),
	}
	if ann != (domain.Annotation{}) {
		msg.Annotation = &ann
	}
	return msg, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             sAttr(convPK(msg.ConversationID)),
		"SK":             sAttr(msgSK(msg.Seq)),
		"conversationId": sAttr(msg.ConversationID),
		"seq":            nAttr(msg.Seq),
		"role":           sAttr(string(msg.Role)),
		"content":        sAttr(msg.Content),
		"tokens":         nAttr(msg.Tokens),
		"createdAt":      sAttr(msg.CreatedAt.Format(time.RFC3339Nano)),
	}
	if a := msg.Annotation; a != nil {
		putOptional(item, "src", a.Src)
		putOptional(item, "lang", a.Lang)
		putOptional(item, "submissionId", a.SubmissionID)
		putOptional(item, "pageId", a.PageID)
		putOptional(item, "sectionId", a.SectionID)
		if a.StartSeq > 0 {
			item["startSeq"] = nAttr(a.StartSeq)
		}
	}
	return item
}
