package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"guidance-agent/internal/domain"
)

// maxAppendAttempts bounds the sequence bumps on sort-key collisions.
const maxAppendAttempts = 16

// Append writes a message to its thread. The write is conditional on the
// sort key being unused; on collision the sub-step sequence is bumped so two
// writers on one thread never overwrite each other.
func (c *Client) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg, err := c.prepareMessage(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
	}
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                messageItem(msg),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		})
		if err == nil {
			return msg, nil
		}
		if !isConditionFailed(err) {
			return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
		}
		msg.Seq++
	}
	return domain.Message{}, fmt.Errorf("repository: Append: %w: sequence exhausted", ErrConditionFailed)
}

// AppendToSession writes a web message and bumps the session's message
// count and last activity in one transaction. Returns ErrNotFound when the
// session does not exist or is archived.
func (c *Client) AppendToSession(ctx context.Context, msg domain.Message, userID, sessionID string) (domain.Message, error) {
	msg, err := c.prepareMessage(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendToSession: %w", err)
	}
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                messageItem(msg),
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Update: &types.Update{
						TableName:           aws.String(c.tableName),
						Key:                 key(userPK(userID), sessionSK(sessionID)),
						UpdateExpression:    aws.String("SET messageCount = if_not_exists(messageCount, :zero) + :one, lastActivity = :now, updatedAt = :now"),
						ConditionExpression: aws.String("attribute_exists(PK) AND archived = :false"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":zero":  nAttr(0),
							":one":   nAttr(1),
							":now":   sAttr(formatTime(msg.Timestamp)),
							":false": bAttr(false),
						},
					},
				},
			},
		})
		if err == nil {
			return msg, nil
		}
		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return domain.Message{}, fmt.Errorf("repository: AppendToSession: %w", err)
		}
		switch {
		case cancelledBy(tce, 1):
			return domain.Message{}, fmt.Errorf("repository: AppendToSession: session %s: %w", sessionID, ErrNotFound)
		case cancelledBy(tce, 0):
			msg.Seq++
		default:
			return domain.Message{}, fmt.Errorf("repository: AppendToSession: %w", err)
		}
	}
	return domain.Message{}, fmt.Errorf("repository: AppendToSession: %w: sequence exhausted", ErrConditionFailed)
}

// cancelledBy reports whether transaction item idx failed its condition.
func cancelledBy(tce *types.TransactionCanceledException, idx int) bool {
	if idx >= len(tce.CancellationReasons) {
		return false
	}
	code := aws.ToString(tce.CancellationReasons[idx].Code)
	return code == "ConditionalCheckFailed"
}

// LoadRecent returns the most recent limit messages of a thread, oldest first.
func (c *Client) LoadRecent(ctx context.Context, threadKey string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(threadPK(threadKey)),
			":prefix": sAttr(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: LoadRecent query: %w", err)
	}

	type keyed struct {
		sk  string
		msg domain.Message
	}
	rows := make([]keyed, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadRecent unmarshal: %w", err)
		}
		if msg.ThreadKey != threadKey {
			continue
		}
		rows = append(rows, keyed{sk: optStr(item, "SK"), msg: msg})
	}
	// Sort keys are chronological, so ascending SK order is oldest first.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].sk < rows[j].sk })

	msgs := make([]domain.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.msg
	}
	return msgs, nil
}

func (c *Client) prepareMessage(msg domain.Message) (domain.Message, error) {
	if strings.TrimSpace(msg.ThreadKey) == "" {
		return msg, errors.New("thread key is required")
	}
	if msg.Role != domain.RoleUser && msg.Role != domain.RoleAssistant {
		return msg, fmt.Errorf("invalid role %q", msg.Role)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if msg.MessageID == "" {
		msg.MessageID = c.newID()
	}
	if msg.TTL == 0 {
		msg.TTL = ttlValue(msg.Timestamp)
	}
	return msg, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        sAttr(threadPK(msg.ThreadKey)),
		"SK":        sAttr(msgSK(msg.Timestamp, msg.Seq)),
		"threadKey": sAttr(msg.ThreadKey),
		"messageId": sAttr(msg.MessageID),
		"timestamp": sAttr(formatTime(msg.Timestamp)),
		"seq":       nAttr(int64(msg.Seq)),
		"role":      sAttr(string(msg.Role)),
		"text":      sAttr(msg.Text),
		"channel":   sAttr(string(msg.Channel)),
		"ttl":       nAttr(msg.TTL),
	}
	if msg.UserID != "" {
		item["userId"] = sAttr(msg.UserID)
	}
	if len(msg.Metadata) > 0 {
		meta := make(map[string]types.AttributeValue, len(msg.Metadata))
		for k, v := range msg.Metadata {
			meta[k] = sAttr(v)
		}
		item["metadata"] = &types.AttributeValueMemberM{Value: meta}
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	threadKey, err := strAttr(item, "threadKey")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	seq, err := optInt(item, "seq")
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ThreadKey: threadKey,
		Timestamp: optTime(item, "timestamp"),
		Seq:       seq,
		MessageID: optStr(item, "messageId"),
		Role:      domain.Role(role),
		Text:      text,
		Channel:   domain.Channel(optStr(item, "channel")),
		UserID:    optStr(item, "userId"),
	}
	if m, ok := item["metadata"].(*types.AttributeValueMemberM); ok {
		msg.Metadata = make(map[string]string, len(m.Value))
		for k, v := range m.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				msg.Metadata[k] = s.Value
			}
		}
	}
	return msg, nil
}
